package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/iap-bridge/event"
	"github.com/code-payments/iap-bridge/iap"
)

const (
	ServiceName = "iap.bridge.v1.Bridge"

	InvokeFullMethod       = "/" + ServiceName + "/Invoke"
	StreamEventsFullMethod = "/" + ServiceName + "/StreamEvents"
)

const (
	DefaultStreamBufferSize = 64
	DefaultStreamPingDelay  = 5 * time.Second
	DefaultStreamTimeout    = time.Second
)

// BridgeServer is the server API of the iap.bridge.v1.Bridge service.
type BridgeServer interface {
	// Invoke runs a {method, arguments} call and returns its result.
	Invoke(context.Context, *structpb.Struct) (*structpb.Value, error)

	// StreamEvents streams {method, arguments} event frames and pings.
	StreamEvents(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes iap.bridge.v1.Bridge. Messages are the well-known
// Struct, Value and Empty types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "iap/bridge/v1/bridge.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Invoke(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InvokeFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BridgeServer).StreamEvents(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

type StreamConfig struct {
	BufferSize int
	PingDelay  time.Duration
	Timeout    time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultStreamBufferSize
	}
	if c.PingDelay <= 0 {
		c.PingDelay = DefaultStreamPingDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultStreamTimeout
	}
	return c
}

type Server struct {
	log     *zap.Logger
	handler *Handler
	config  StreamConfig

	streamsMu sync.RWMutex
	streams   map[string]event.Stream[*iap.Event]
}

var _ BridgeServer = (*Server)(nil)

func NewServer(log *zap.Logger, handler *Handler, bus *iap.Bus, config StreamConfig) *Server {
	s := &Server{
		log:     log,
		handler: handler,
		config:  config.withDefaults(),
		streams: make(map[string]event.Stream[*iap.Event]),
	}

	bus.AddHandler(event.HandlerFunc[string, *iap.Event](s.OnEvent))

	return s
}

func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	fields := req.GetFields()

	name := fields["method"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "missing method")
	}

	var args map[string]any
	if raw, ok := fields["arguments"]; ok {
		switch raw.GetKind().(type) {
		case *structpb.Value_StructValue:
			args = raw.GetStructValue().AsMap()
		case *structpb.Value_NullValue:
		default:
			return nil, status.Error(codes.InvalidArgument, "arguments must be an object")
		}
	}

	log := s.log.With(zap.String("method", name))

	result, err := s.handler.Invoke(ctx, name, args)
	if err != nil {
		log.Debug("Method call failed", zap.Error(err))
		return nil, toStatus(err)
	}

	value, err := encodeResult(result)
	if err != nil {
		log.Warn("Failed to encode result", zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode result")
	}

	return value, nil
}

func (s *Server) StreamEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	id := uuid.NewString()
	log := s.log.With(zap.String("stream_id", id))

	ss := event.NewChannelStream[*iap.Event, *structpb.Struct](
		id,
		s.config.BufferSize,
		func(e *iap.Event) (*structpb.Struct, bool) {
			frame, err := encodeEvent(e)
			if err != nil {
				log.Warn("Failed to encode event, dropping", zap.Error(err))
				return nil, false
			}
			return frame, true
		},
	)

	log = log.With(zap.String("ss", fmt.Sprintf("%p", ss)))
	log.Debug("Initializing stream")

	s.streamsMu.Lock()
	s.streams[id] = ss
	s.streamsMu.Unlock()

	defer func() {
		s.streamsMu.Lock()
		delete(s.streams, id)
		s.streamsMu.Unlock()

		ss.Close()
		log.Debug("Closed stream")
	}()

	sendPingCh := time.After(0)

	for {
		select {
		case frame, ok := <-ss.Channel():
			if !ok {
				log.Debug("Stream closed; ending stream")
				return status.Error(codes.Aborted, "stream closed")
			}

			if err := stream.Send(frame); err != nil {
				log.Info("Failed to forward event", zap.Error(err))
				return err
			}
		case <-sendPingCh:
			sendPingCh = time.After(s.config.PingDelay)

			if err := stream.Send(encodePing(time.Now(), s.config.PingDelay)); err != nil {
				log.Debug("Stream is unhealthy; aborting")
				return status.Error(codes.Aborted, "terminating unhealthy stream")
			}
		case <-ctx.Done():
			log.Debug("Stream context cancelled; ending stream")
			return status.Error(codes.Canceled, "")
		}
	}
}

// OnEvent forwards a coordinator event to every open stream. A stream that
// cannot accept the event within the stream timeout is closed.
func (s *Server) OnEvent(_ string, e *iap.Event) {
	s.streamsMu.RLock()
	streams := make([]event.Stream[*iap.Event], 0, len(s.streams))
	for _, ss := range s.streams {
		streams = append(streams, ss)
	}
	s.streamsMu.RUnlock()

	for _, ss := range streams {
		if err := ss.Notify(e.Clone(), s.config.Timeout); err != nil {
			s.log.Warn("Failed to send event", zap.String("stream_id", ss.ID()), zap.Error(err))
		}
	}
}
