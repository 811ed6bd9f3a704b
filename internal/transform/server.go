package transform

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/shchae04/kafka-basic/internal/message"
)

// transformServer is the handler type of the plugin service.
type transformServer interface {
	Transform(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*transformServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Transform", Handler: transformHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kafkabasic/transform/v1/transform.proto",
}

func transformHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transformServer).Transform(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transformMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transformServer).Transform(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

type processorServer struct{ p Processor }

func (s *processorServer) Transform(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	m := incomingMessage(ctx, in.GetValue())
	out, err := s.p.Process(ctx, m)
	if errors.Is(err, ErrFiltered) {
		return new(wrapperspb.BytesValue), grpc.SetHeader(ctx, metadata.Pairs(mdFiltered, "true"))
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if m.Route != "" {
		if err := grpc.SetHeader(ctx, metadata.Pairs(mdRoute, m.Route)); err != nil {
			return nil, err
		}
	}
	return wrapperspb.Bytes(out), nil
}

// RegisterServer exposes p as the plugin service on s together with a
// health service reporting it as serving. The returned health server can be
// used to flip the status.
func RegisterServer(s *grpc.Server, p Processor) *health.Server {
	s.RegisterService(&serviceDesc, &processorServer{p: p})
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// toStatus keeps the retriable/permanent distinction across the wire.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case IsPermanent(err):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func incomingMessage(ctx context.Context, value []byte) *message.Message {
	m := &message.Message{Value: value}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return m
	}
	first := func(k string) string {
		if v := md.Get(k); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	m.Topic = first(mdTopic)
	if p, err := strconv.ParseInt(first(mdPartition), 10, 32); err == nil {
		m.Partition = int32(p)
	}
	if o, err := strconv.ParseInt(first(mdOffset), 10, 64); err == nil {
		m.Offset = o
	}
	if a, err := strconv.Atoi(first(mdAttempt)); err == nil {
		m.Attempts = a
	}
	if k := md.Get(mdKey); len(k) > 0 {
		m.Key = []byte(k[0])
	}
	return m
}
