package transform

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/shchae04/kafka-basic/internal/message"
)

const (
	// ServiceName is the gRPC service a transformer plugin implements.
	ServiceName     = "kafkabasic.transform.v1.TransformService"
	transformMethod = "/" + ServiceName + "/Transform"

	mdTopic     = "x-kafka-topic"
	mdPartition = "x-kafka-partition"
	mdOffset    = "x-kafka-offset"
	mdKey       = "x-kafka-key-bin"
	mdAttempt   = "x-attempt"

	// response headers
	mdRoute    = "x-route-topic"
	mdFiltered = "x-filtered"
)

// GRPCClient is a Processor backed by an out-of-process plugin.
type GRPCClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
}

// NewGRPCClient connects lazily to target. timeout bounds each Transform
// call; zero leaves it to the caller's context.
func NewGRPCClient(target string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("transform: dial %s: %w", target, err)
	}
	return &GRPCClient{conn: conn, health: healthpb.NewHealthClient(conn), timeout: timeout}, nil
}

func (c *GRPCClient) Process(ctx context.Context, m *message.Message) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	md := metadata.Pairs(
		mdTopic, m.Topic,
		mdPartition, strconv.FormatInt(int64(m.Partition), 10),
		mdOffset, strconv.FormatInt(m.Offset, 10),
		mdAttempt, strconv.Itoa(m.Attempts),
	)
	if m.Key != nil {
		md.Append(mdKey, string(m.Key))
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	out := new(wrapperspb.BytesValue)
	var hdr metadata.MD
	if err := c.conn.Invoke(ctx, transformMethod, wrapperspb.Bytes(m.Value), out, grpc.Header(&hdr)); err != nil {
		return nil, err
	}
	if len(hdr.Get(mdFiltered)) > 0 {
		return nil, ErrFiltered
	}
	if r := hdr.Get(mdRoute); len(r) > 0 {
		m.Route = r[0]
	}
	return out.GetValue(), nil
}

// Health asks the plugin's standard health service about ServiceName.
func (c *GRPCClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("transform: plugin is %s", s)
	}
	return nil
}

func (c *GRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
