// Package grpc serves race standings to observers over a server-streaming
// gRPC method. Frames travel as google.protobuf.Struct so no generated code
// is needed on either side.
package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"poleposition/raceserver/internal/logging"
)

const (
	// ServiceName is the fully qualified gRPC service.
	ServiceName = "poleposition.RaceObserver"
	// StreamStandingsMethod is the full method path of the standings stream.
	StreamStandingsMethod = "/" + ServiceName + "/StreamStandings"

	// DefaultRateHz throttles frames per observer.
	DefaultRateHz = 4
	maxRateHz     = 20
)

// RaceObserverServer is the server API of the RaceObserver service.
type RaceObserverServer interface {
	StreamStandings(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes RaceObserver for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RaceObserverServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamStandings",
		Handler:       streamStandingsHandler,
		ServerStreams: true,
	}},
	Metadata: "race_observer",
}

func streamStandingsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RaceObserverServer).StreamStandings(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv RaceObserverServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithRate sets the default frame rate for observers that do not ask for one.
func WithRate(hz int) Option {
	return func(s *Service) {
		if hz > 0 {
			s.rateHz = min(hz, maxRateHz)
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory.
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service implements RaceObserverServer on top of a StandingsSource.
type Service struct {
	source    StandingsSource
	rateHz    int
	newTicker tickerFactory
	logger    *logging.Logger
}

// NewService wires the service to its standings source.
func NewService(source StandingsSource, opts ...Option) *Service {
	s := &Service{source: source, rateHz: DefaultRateHz, newTicker: defaultTickerFactory, logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// StreamStandings sends the newest standings at most rate_hz times a second.
// Frames arriving between two sends are coalesced; only the latest is sent.
// The request may carry a numeric "rate_hz" field.
func (s *Service) StreamStandings(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.source == nil {
		return status.Error(codes.FailedPrecondition, "standings unavailable")
	}
	ctx := stream.Context()
	rate := s.requestedRate(req)

	frames, cancel, err := s.source.SubscribeStandings(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe standings: %v", err)
	}
	defer cancel()

	tickCh, stop := s.newTicker(time.Second / time.Duration(rate))
	defer stop()

	var (
		latest StandingsFrame
		dirty  bool
	)
	send := func() error {
		msg, err := EncodeFrame(latest)
		if err != nil {
			return status.Errorf(codes.Internal, "encode standings: %v", err)
		}
		dirty = false
		return stream.Send(msg)
	}

	s.logger.Info("standings observer connected", logging.Int("rate_hz", rate))
	defer s.logger.Info("standings observer disconnected")
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case frame, ok := <-frames:
			if !ok {
				//1.- The source is gone; hand out what is pending and finish.
				if dirty {
					return send()
				}
				return nil
			}
			latest = frame
			dirty = true
		case <-tickCh:
			if !dirty {
				continue
			}
			if err := send(); err != nil {
				return err
			}
		}
	}
}

func (s *Service) requestedRate(req *structpb.Struct) int {
	rate := s.rateHz
	if req == nil {
		return rate
	}
	if value, ok := req.GetFields()["rate_hz"]; ok {
		if hz := int(value.GetNumberValue()); hz > 0 {
			rate = hz
		}
	}
	return min(rate, maxRateHz)
}
