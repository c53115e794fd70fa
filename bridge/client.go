package bridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote iap.bridge.v1.Bridge service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Invoke calls method with args. Argument values must be representable by
// structpb.NewValue; lists must be []any. Failures carry the normalized error,
// see ErrorFromStatus.
func (c *Client) Invoke(ctx context.Context, method string, args map[string]any, opts ...grpc.CallOption) (*structpb.Value, error) {
	fields := map[string]any{"method": method}
	if args != nil {
		fields["arguments"] = args
	}

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, InvokeFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamEvents opens the event stream. Frames whose method is "ping" are
// keepalives.
func (c *Client) StreamEvents(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamEventsFullMethod, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// IsPing reports whether frame is a keepalive.
func IsPing(frame *structpb.Struct) bool {
	return frame.GetFields()["method"].GetStringValue() == methodPing
}
