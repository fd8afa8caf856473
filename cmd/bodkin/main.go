package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/comm"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/dist"
	"github.com/23skdu/longbow-bodkin/internal/layers"
	"github.com/23skdu/longbow-bodkin/internal/rng"
	"github.com/23skdu/longbow-bodkin/internal/snapshot"
)

var (
	flagBackend    = flag.String("backend", "host", "Compute backend (host, emulator, cuda)")
	flagSeed       = flag.Uint64("seed", 20260823, "RNG seed for masks and synthetic data")
	flagFeatures   = flag.Int("features", 128, "Flattened feature size of the demo graph")
	flagMaxBatch   = flag.Int("max-batch", 64, "Mini-batch capacity buffers are allocated for")
	flagBatch      = flag.Int("batch", 64, "Mini-batch width per step")
	flagSteps      = flag.Int("steps", 100, "Number of training steps")
	flagKeepProb   = flag.Float64("keep-prob", 0.8, "Dropout keep probability; negative disables")
	flagSeqConsist = flag.Bool("seq-consistent", false, "Draw dropout masks from the deterministic global stream")
	flagDuration   = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	listenAddr     = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr     = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	maxConcurrent  = flag.Int("max-concurrent", 64, "Maximum concurrent snapshot requests")
	enableOTel     = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile     = flag.String("cpuprofile", "", "Write cpu profile to file")
	snapshotLayer  = flag.String("snapshot", "dropout0", "Layer whose activations are dumped as Arrow IPC after the run")
)

// engine owns the demo layer graph and serializes step execution against
// diagnostic reads from the HTTP and Flight servers.
type engine struct {
	mu    sync.RWMutex
	graph []layers.Layer
	mode  *layers.ModeState
	input *layers.Input
	probe layers.Layer
	fast  *rng.Fast
}

// buildGraph wires the demo graph: data -> relu -> dropout on one branch,
// data -> identity on the other, joined by a covariance probe.
func buildGraph(cfg layers.Config, keepProb float32, seqConsistent bool,
	fast *rng.Fast, stream *rng.Stream, features int) (*engine, error) {

	in := layers.NewInput("data", dist.Shape{features}, cfg)
	relu := layers.NewReLU("relu0", cfg)
	drop := layers.NewDropout("dropout0", cfg, keepProb, seqConsistent, fast, stream)
	skip := layers.NewIdentity("skip0", cfg)
	cov := layers.NewCovariance("cov0", cfg, false)

	layers.Connect(in, relu)
	layers.Connect(relu, drop)
	layers.Connect(in, skip)
	layers.Connect(drop, cov)
	layers.Connect(skip, cov)

	graph := []layers.Layer{in, relu, drop, skip, cov}
	for _, l := range graph {
		if err := l.SetupDims(); err != nil {
			return nil, err
		}
	}
	for _, l := range graph {
		if err := l.SetupData(); err != nil {
			return nil, err
		}
	}
	return &engine{
		graph: graph,
		mode:  cfg.Mode.(*layers.ModeState),
		input: in,
		probe: cov,
		fast:  fast,
	}, nil
}

// step runs one training step: synthetic data in, forward in topological
// order, unit loss gradient at the probe, backward in reverse order.
func (e *engine) step(batch int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mode.Set(layers.Training)
	if err := e.input.Forward(batch); err != nil {
		return err
	}
	data := e.input.Activations().Local().Data
	for i := range data {
		data[i] = 2*e.fast.Float32() - 1
	}
	for _, l := range e.graph[1:] {
		if err := l.Forward(batch); err != nil {
			return err
		}
	}

	g := e.probe.GradWrtOutput().Local().Data
	for i := range g {
		g[i] = 1
	}
	for i := len(e.graph) - 1; i >= 0; i-- {
		if err := e.graph[i].Backward(batch); err != nil {
			return err
		}
	}
	stepsTotal.Inc()
	return nil
}

// evaluate runs a forward-only evaluation pass over the current input.
func (e *engine) evaluate(batch int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mode.Set(layers.Evaluation)
	for _, l := range e.graph {
		if err := l.Forward(batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) infos() []layers.Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return layers.DescribeAll(e.graph)
}

// snapshotRecord builds an Arrow record of the named layer's activations.
func (e *engine) snapshotRecord(alloc memory.Allocator, name string) (arrow.RecordBatch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, l := range e.graph {
		if l.Name() == name {
			return snapshot.Record(alloc, l.Activations())
		}
	}
	return nil, fmt.Errorf("no layer named %q", name)
}

func newBackend(kind string) (device.Accelerator, dist.Placement, error) {
	switch kind {
	case "host":
		return nil, dist.Host, nil
	case "emulator":
		return device.NewEmulator(), dist.Accel, nil
	case "cuda":
		accel, err := device.NewCUDA()
		if err != nil {
			return nil, dist.Host, err
		}
		return accel, dist.Accel, nil
	default:
		return nil, dist.Host, fmt.Errorf("unknown backend %q", kind)
	}
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	accel, placement, err := newBackend(*flagBackend)
	if err != nil {
		log.Fatal().Err(err).Str("backend", *flagBackend).Msg("Backend unavailable")
	}

	mode := &layers.ModeState{}
	cfg := layers.Config{
		Comm:         comm.NewLocal(),
		Mode:         mode,
		MaxBatch:     *flagMaxBatch,
		Distribution: dist.DataParallel,
		Placement:    placement,
		Accel:        accel,
	}
	fast := rng.NewFast(*flagSeed)
	stream := rng.NewStream(*flagSeed)

	eng, err := buildGraph(cfg, float32(*flagKeepProb), *flagSeqConsist, fast, stream, *flagFeatures)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up layer graph")
	}
	log.Info().
		Str("backend", *flagBackend).
		Int("features", *flagFeatures).
		Int("layers", len(eng.graph)).
		Msg("Layer graph ready")

	serving := *listenAddr != "" || *flightAddr != ""
	if *listenAddr != "" {
		go startServer(*listenAddr, eng, *maxConcurrent)
	}
	if *flightAddr != "" {
		go startFlightServer(*flightAddr, eng)
	}

	tracer := otel.Tracer("bodkin")
	ctx := context.Background()

	if *flagDuration > 0 {
		log.Info().Str("duration", flagDuration.String()).Msg("Starting soak run")
		startTime := time.Now()
		endTime := startTime.Add(*flagDuration)
		var totalSamples int64
		var iter int

		for time.Now().Before(endTime) {
			_, span := tracer.Start(ctx, "step")
			if err := eng.step(*flagBatch); err != nil {
				span.RecordError(err)
				span.End()
				log.Fatal().Err(err).Msg("Step failed")
			}
			span.End()

			totalSamples += int64(*flagBatch)
			iter++
			if iter%100 == 0 {
				elapsed := time.Since(startTime)
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int("iter", iter).
					Int64("total_samples", totalSamples).
					Float64("sps", float64(totalSamples)/elapsed.Seconds()).
					Msg("Soak run progress")
			}
		}
		totalElapsed := time.Since(startTime)
		log.Info().
			Int64("total_samples", totalSamples).
			Dur("total_time", totalElapsed).
			Float64("avg_sps", float64(totalSamples)/totalElapsed.Seconds()).
			Msg("Soak run complete")
	} else {
		start := time.Now()
		for i := 0; i < *flagSteps; i++ {
			_, span := tracer.Start(ctx, "step")
			if err := eng.step(*flagBatch); err != nil {
				span.RecordError(err)
				span.End()
				log.Fatal().Err(err).Msg("Step failed")
			}
			span.End()
		}
		elapsed := time.Since(start)
		log.Info().
			Int("steps", *flagSteps).
			Int("batch", *flagBatch).
			Dur("elapsed", elapsed).
			Float64("sps", float64(*flagSteps**flagBatch)/elapsed.Seconds()).
			Msg("Training steps complete")
	}

	if err := eng.evaluate(*flagBatch); err != nil {
		log.Fatal().Err(err).Msg("Evaluation pass failed")
	}

	if serving {
		select {}
	}

	// Dump the requested layer's activations as an Arrow IPC stream.
	pool := memory.NewGoAllocator()
	rec, err := eng.snapshotRecord(pool, *snapshotLayer)
	if err != nil {
		log.Fatal().Err(err).Str("layer", *snapshotLayer).Msg("Snapshot failed")
	}
	defer rec.Release()
	if err := snapshot.WriteStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
