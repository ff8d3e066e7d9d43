package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the observer side of RaceObserver.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// StandingsStream yields decoded standings frames.
type StandingsStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv blocks for the next frame; io.EOF marks the end of the stream.
func (s *StandingsStream) Recv() (StandingsFrame, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		return StandingsFrame{}, err
	}
	return DecodeFrame(msg)
}

// StreamStandings opens the standings stream. A zero rate keeps the server default.
func (c *Client) StreamStandings(ctx context.Context, rateHz int, opts ...grpc.CallOption) (*StandingsStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamStandingsMethod, opts...)
	if err != nil {
		return nil, err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if rateHz > 0 {
		req.Fields["rate_hz"] = structpb.NewNumberValue(float64(rateHz))
	}
	typed := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := typed.SendMsg(req); err != nil {
		return nil, err
	}
	if err := typed.CloseSend(); err != nil {
		return nil, err
	}
	return &StandingsStream{stream: typed}, nil
}
