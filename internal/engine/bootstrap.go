package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shchae04/kafka-basic/internal/pipeline"
	"github.com/shchae04/kafka-basic/internal/telemetry"
	"github.com/shchae04/kafka-basic/internal/transport"
)

// Bootstrap compiles the pipeline and binds the control and metrics ports.
// Nothing runs until Run is called.
func Bootstrap(cfg Config) (*Engine, error) {
	// 1. metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// 2. pipeline runner
	runner, err := pipeline.Compile(cfg.PipelineYml, pipeline.WithObserver(metrics))
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	reg.MustRegister(telemetry.NewCollector(runner, runner.Coordinator()))

	e := New(cfg, runner)

	// 3. transport server
	e.transport, err = transport.StartServer(cfg.GRPCPort, e.snapshotMap)
	if err != nil {
		_ = runner.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 4. metrics
	e.telemetry, err = telemetry.Expose(cfg.MetricsPort, reg, e.healthz)
	if err != nil {
		e.transport.Stop()
		_ = runner.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return e, nil
}

// Runner is what the engine drives; *pipeline.Runner implements it.
type Runner interface {
	Run(ctx context.Context) error
	Health(ctx context.Context) error
	Snapshot() []pipeline.StageStatus
	Close() error
}
