// Package engine wires a compiled pipeline to the control plane, the
// metrics endpoint and the broker health loop, and runs them together.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/shchae04/kafka-basic/internal/checkpoint"
	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/pipeline"
	"github.com/shchae04/kafka-basic/internal/telemetry"
	"github.com/shchae04/kafka-basic/internal/transport"
)

type Engine struct {
	cfg       Config
	runner    Runner
	coord     *checkpoint.Coordinator
	transport *transport.Server
	telemetry *telemetry.Server

	mu        sync.RWMutex
	healthErr error
	checked   bool
}

// New wraps a runner without binding any port; Bootstrap adds the
// servers.
func New(cfg Config, r Runner) *Engine {
	e := &Engine{cfg: cfg.withDefaults(), runner: r}
	if pr, ok := r.(*pipeline.Runner); ok {
		e.coord = pr.Coordinator()
	}
	return e
}

// Run blocks until ctx is done or the pipeline stops, then shuts the
// servers down. A pipeline that drains its source ends the engine.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := e.runner.Run(gctx)
		if err != nil {
			logging.L().Error("pipeline stopped", "err", err)
		} else {
			logging.L().Info("pipeline stopped")
		}
		return err
	})
	g.Go(func() error { return e.healthLoop(gctx) })
	if e.transport != nil {
		g.Go(e.transport.Serve)
	}
	if e.telemetry != nil {
		g.Go(e.telemetry.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		if e.transport != nil {
			e.transport.Stop()
		}
		if e.telemetry != nil {
			sctx, scancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
			defer scancel()
			_ = e.telemetry.Shutdown(sctx)
		}
		return nil
	})

	err := g.Wait()
	return errors.Join(err, e.runner.Close())
}

func (e *Engine) healthLoop(ctx context.Context) error {
	e.checkHealth(ctx)
	t := time.NewTicker(e.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.checkHealth(ctx)
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	err := e.runner.Health(cctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	changed := !e.checked || (err == nil) != (e.healthErr == nil)
	e.healthErr, e.checked = err, true
	e.mu.Unlock()

	if e.transport != nil {
		e.transport.SetServing(err == nil)
	}
	if !changed {
		return
	}
	if err != nil {
		logging.L().Warn("source unhealthy", "err", err)
	} else {
		logging.L().Info("source healthy")
	}
}

/*──────────────────────────── status ───────────────────────────────*/

type StageView struct {
	Name                string  `json:"name"`
	Breaker             string  `json:"breaker"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Messages            uint64  `json:"messages"`
	Succeeded           uint64  `json:"succeeded"`
	Failed              uint64  `json:"failed"`
	Abandoned           uint64  `json:"abandoned"`
	Attempts            uint64  `json:"attempts"`
	Retries             uint64  `json:"retries"`
	Rejections          uint64  `json:"rejections"`
	BackoffSeconds      float64 `json:"backoff_seconds"`
}

type PartitionView struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Committed int64  `json:"committed"`
	Pending   int    `json:"pending"`
	Lag       int64  `json:"lag"`
	Halted    bool   `json:"halted"`
	Err       string `json:"error,omitempty"`
}

// Status is the aggregate health view served on /healthz and by the
// Control service.
type Status struct {
	Healthy    bool            `json:"healthy"`
	Source     string          `json:"source"`
	Stages     []StageView     `json:"stages"`
	Partitions []PartitionView `json:"partitions"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	herr, checked := e.healthErr, e.checked
	e.mu.RUnlock()

	st := Status{Source: "UP", Stages: []StageView{}, Partitions: []PartitionView{}}
	switch {
	case !checked:
		st.Source = "UNKNOWN"
	case herr != nil:
		st.Source = "DOWN: " + herr.Error()
	}
	st.Healthy = checked && herr == nil

	for _, s := range e.runner.Snapshot() {
		st.Stages = append(st.Stages, StageView{
			Name:                s.Name,
			Breaker:             s.Breaker.State.String(),
			ConsecutiveFailures: s.Breaker.ConsecutiveFailures,
			Messages:            s.Messages,
			Succeeded:           s.Succeeded,
			Failed:              s.Failed,
			Abandoned:           s.Abandoned,
			Attempts:            s.Attempts,
			Retries:             s.Retries,
			Rejections:          s.Rejections,
			BackoffSeconds:      s.Backoff.Seconds(),
		})
	}
	if e.coord != nil {
		for _, p := range e.coord.Snapshot() {
			st.Partitions = append(st.Partitions, PartitionView{
				Topic: p.Topic, Partition: p.Partition, Committed: p.Committed,
				Pending: p.Pending, Lag: p.Lag, Halted: p.Halted, Err: p.Err,
			})
			if p.Halted {
				st.Healthy = false
			}
		}
	}
	return st
}

func (e *Engine) healthz(context.Context) (bool, any) {
	st := e.Status()
	return st.Healthy, st
}

// snapshotMap converts Status into the generic map carried by the Control
// service.
func (e *Engine) snapshotMap(context.Context) (map[string]any, error) {
	raw, err := json.Marshal(e.Status())
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
