package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/snapshot"
)

var (
	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_steps_total",
		Help: "The total number of training steps executed",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent serving diagnostic requests",
		Buckets: prometheus.DefBuckets,
	})
)

// Server exposes the running engine's diagnostics: Prometheus metrics, a
// CBOR layer listing, and Arrow IPC activation snapshots. Snapshot requests
// are admission-controlled since each one copies a full activation buffer.
type Server struct {
	eng   *engine
	alloc memory.Allocator
	sem   *semaphore.Weighted
}

func NewServer(eng *engine, maxConcurrent int) *Server {
	return &Server{
		eng:   eng,
		alloc: memory.NewGoAllocator(),
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, eng *engine, maxConcurrent int) {
	srv := NewServer(eng, maxConcurrent)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/layers", srv.handleLayers)
	http.HandleFunc("/snapshot", srv.handleSnapshot)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Bodkin server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("bodkin-server")

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleLayers")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	infos := s.eng.infos()
	span.SetAttributes(attribute.Int("layer_count", len(infos)))

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(infos); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Failed to encode layer listing")
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSnapshot")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	name := r.URL.Query().Get("layer")
	if name == "" {
		http.Error(w, "missing layer query parameter", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("layer", name))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	rec, err := s.eng.snapshotRecord(s.alloc, name)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Snapshot failed: %v", err), http.StatusNotFound)
		return
	}
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := snapshot.WriteStream(w, rec); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Failed to write snapshot stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
