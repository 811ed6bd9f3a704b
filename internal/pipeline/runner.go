// Package pipeline drives messages through the configured processing
// stages and routes each one to exactly one terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/checkpoint"
	"github.com/shchae04/kafka-basic/internal/deadletter"
	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/internal/retry"
	"github.com/shchae04/kafka-basic/internal/transform"
	"github.com/shchae04/kafka-basic/sink"
	"github.com/shchae04/kafka-basic/source"
)

// Policy is the resilience configuration shared by all stages.
type Policy struct {
	Retry             retry.Config
	Breaker           breaker.Config
	WorkerParallelism int // messages processed concurrently, all partitions
	PartitionCapacity int // unresolved offsets per partition
}

// Observer is told the terminal outcome of every message. A zero Outcome
// with a non-nil error means the message was abandoned or failed fatally.
type Observer interface {
	Observe(m *message.Message, o Outcome, err error, elapsed time.Duration)
}

type Option func(*Runner)

// WithRetryOptions passes options to every retry engine, e.g. a fake clock.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(r *Runner) { r.retryOpts = append(r.retryOpts, opts...) }
}

func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(r *Runner) { r.breakerOpts = append(r.breakerOpts, opts...) }
}

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

type Runner struct {
	policy      Policy
	retryOpts   []retry.Option
	breakerOpts []breaker.Option
	observers   []Observer
	now         func() time.Time

	breakers *breaker.Registry
	coord    *checkpoint.Coordinator
	limiter  *source.Limiter

	stages   []*Stage
	sinkName string
	sink     sink.Adapter
	dlq      deadletter.Writer
	source   source.Adapter

	mu     sync.Mutex
	router *Router
}

func NewRunner(p Policy, opts ...Option) *Runner {
	r := &Runner{policy: p, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	bo := append([]breaker.Option{breaker.OnStateChange(logTransition)}, r.breakerOpts...)
	r.breakers = breaker.NewRegistry(p.Breaker, bo...)
	r.coord = checkpoint.NewCoordinator(p.PartitionCapacity)
	r.limiter = source.NewLimiter(int64(p.WorkerParallelism))
	return r
}

// AddTransformer appends a processing stage. Stages run in the order they
// were added; each one's output is the next one's input.
func (r *Runner) AddTransformer(name string, p transform.Processor, opts ...StageOption) error {
	if name == "" || name == SinkStage || name == DeadLetterStage {
		return fmt.Errorf("runner: invalid stage name %q", name)
	}
	for _, s := range r.stages {
		if s.name == name {
			return fmt.Errorf("runner: duplicate stage %q", name)
		}
	}
	r.stages = append(r.stages, newStage(name, p, r.breakers.Get(name), r.policy.Retry, r.retryOpts, opts...))
	return nil
}

func (r *Runner) SetSink(name string, s sink.Adapter) { r.sinkName, r.sink = name, s }
func (r *Runner) SetDeadLetter(w deadletter.Writer)   { r.dlq = w }
func (r *Runner) SetSource(s source.Adapter)          { r.source = s }

func (r *Runner) Coordinator() *checkpoint.Coordinator { return r.coord }
func (r *Runner) Limiter() *source.Limiter             { return r.limiter }

func (r *Runner) prepare() (*Router, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router != nil {
		return r.router, nil
	}
	if r.sink == nil {
		return nil, errors.New("runner: no sink configured")
	}
	if r.dlq == nil {
		return nil, errors.New("runner: no dead-letter writer configured")
	}
	r.router = newRouter(r.sinkName, r.sink, r.dlq, r.breakers, r.policy.Retry, r.retryOpts, r.now)
	return r.router, nil
}

// Handle takes m to its terminal outcome. It is the source.Handler of the
// runner's dispatcher and can be called directly.
func (r *Runner) Handle(ctx context.Context, m *message.Message) error {
	router, err := r.prepare()
	if err != nil {
		return err
	}
	start := r.now()

	var t Terminal
	cur := m
	for _, s := range r.stages {
		res, rep := s.Run(ctx, cur)
		t.Attempts = append(t.Attempts, history(s.name, rep)...)
		if rep.Interrupted() {
			err := errors.Join(message.ErrAbandoned, rep.Err)
			r.observe(m, 0, err, r.now().Sub(start))
			return err
		}
		if !res.OK() {
			t.Err, t.Stage = res.Err, s.name
			break
		}
		if res.Filtered {
			t.Filtered, t.Stage = true, s.name
			break
		}
		cur = cur.WithValue(res.Output)
	}
	if t.Err == nil {
		t.Output, t.Route = cur.Value, cur.Route
	}

	outcome, err := router.Route(ctx, m, t)
	r.observe(m, outcome, err, r.now().Sub(start))
	return err
}

func (r *Runner) observe(m *message.Message, o Outcome, err error, d time.Duration) {
	for _, ob := range r.observers {
		ob.Observe(m, o, err, d)
	}
}

// Run consumes from the source until ctx is done or the source fails.
// Messages already dispatched finish their current attempt before Run
// returns; their offsets are committed only if they reached an outcome.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil {
		return errors.New("runner: no source configured")
	}
	if _, err := r.prepare(); err != nil {
		return err
	}
	d := source.NewDispatcher(r.coord, r.limiter, r.Handle)
	err := r.source.Run(ctx, d)
	d.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// HealthChecker is implemented by sources that can probe their broker.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Health probes the source. Sources without a probe are always healthy.
func (r *Runner) Health(ctx context.Context) error {
	if hc, ok := r.source.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// Snapshot returns the status of every stage followed by the sink and
// dead-letter stages.
func (r *Runner) Snapshot() []StageStatus {
	out := make([]StageStatus, 0, len(r.stages)+2)
	for _, s := range r.stages {
		out = append(out, s.Status())
	}
	r.mu.Lock()
	router := r.router
	r.mu.Unlock()
	if router != nil {
		out = append(out, router.status()...)
	}
	return out
}

func (r *Runner) Close() error {
	var errs []error
	if r.source != nil {
		errs = append(errs, r.source.Close())
	}
	for _, s := range r.stages {
		if c, ok := s.proc.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if r.sink != nil {
		errs = append(errs, r.sink.Close())
	}
	if c, ok := r.dlq.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	r.limiter.Close()
	return errors.Join(errs...)
}

func logTransition(name string, from, to breaker.State) {
	l := logging.L().With("stage", name, "from", from.String(), "to", to.String())
	if to == breaker.Open {
		l.Warn("circuit breaker opened")
		return
	}
	l.Info("circuit breaker state change")
}
