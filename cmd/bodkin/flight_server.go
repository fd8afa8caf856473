package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BodkinFlightServer serves activation snapshots over Arrow Flight. The
// ticket is the layer name; DoGet streams one record batch of that layer's
// current activations.
type BodkinFlightServer struct {
	flight.BaseFlightServer
	eng   *engine
	alloc memory.Allocator
}

func NewBodkinFlightServer(eng *engine) *BodkinFlightServer {
	return &BodkinFlightServer{
		eng:   eng,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *BodkinFlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(ticket.GetTicket())
	rec, err := s.eng.snapshotRecord(s.alloc, name)
	if err != nil {
		return status.Errorf(codes.NotFound, "snapshot %q: %v", name, err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer w.Close()

	log.Info().Str("layer", name).Int64("rows", rec.NumRows()).Msg("DoGet serving snapshot")
	return w.Write(rec)
}

func startFlightServer(addr string, eng *engine) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewBodkinFlightServer(eng))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
