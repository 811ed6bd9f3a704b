package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/deadletter"
	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/internal/retry"
	"github.com/shchae04/kafka-basic/internal/transform"
)

// Result is the outcome of a single processing attempt. A filtered result
// succeeded without output and ends the chain.
type Result struct {
	Output    []byte
	Err       error
	Retriable bool
	Filtered  bool
}

func Success(out []byte) Result { return Result{Output: out} }

func Failure(err error, retriable bool) Result { return Result{Err: err, Retriable: retriable} }

func (r Result) OK() bool { return r.Err == nil }

// Stage is one processing step guarded by its own circuit breaker and
// retried by its own engine.
type Stage struct {
	name     string
	proc     transform.Processor
	classify transform.Classifier
	breaker  *breaker.Breaker
	engine   *retry.Engine
	stats    *stageStats
}

type StageOption func(*stageConfig)

type stageConfig struct {
	retry    *retry.Config
	classify transform.Classifier
}

// WithRetry overrides the runner's retry policy for one stage.
func WithRetry(cfg retry.Config) StageOption {
	return func(c *stageConfig) { c.retry = &cfg }
}

func WithClassifier(fn transform.Classifier) StageOption {
	return func(c *stageConfig) { c.classify = fn }
}

func newStage(name string, p transform.Processor, b *breaker.Breaker, policy retry.Config, opts []retry.Option, so ...StageOption) *Stage {
	sc := stageConfig{classify: transform.Classify}
	for _, o := range so {
		o(&sc)
	}
	if sc.retry != nil {
		policy = *sc.retry
	}
	s := &Stage{name: name, proc: p, classify: sc.classify, breaker: b, stats: &stageStats{}}
	ro := append([]retry.Option{}, opts...)
	ro = append(ro, retry.WithClassifier(retry.Classifier(s.classify)), retry.WithObserver(s.stats))
	s.engine = retry.New(policy, ro...)
	return s
}

func (s *Stage) Name() string { return s.name }

// Process performs exactly one attempt. A panicking processor yields a
// permanent failure.
func (s *Stage) Process(ctx context.Context, m *message.Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("processor panic", "stage", s.name, "msg", m.String(), "panic", r, "stack", string(debug.Stack()))
			res = Failure(transform.Permanent(fmt.Errorf("stage %s panicked: %v", s.name, r)), false)
		}
	}()
	out, err := s.proc.Process(ctx, m)
	if errors.Is(err, transform.ErrFiltered) {
		return Result{Filtered: true}
	}
	if err != nil {
		return Failure(err, s.classify(err))
	}
	return Success(out)
}

// Run drives m through the stage until it succeeds or fails terminally.
// m.Attempts carries the current attempt number while the processor runs.
func (s *Stage) Run(ctx context.Context, m *message.Message) (Result, retry.Report) {
	s.stats.messages.Add(1)
	var last Result
	rep := s.engine.Do(ctx, s.breaker, func(actx context.Context, attempt int) error {
		m.Attempts = attempt
		last = s.Process(actx, m)
		return last.Err
	})
	s.stats.finish(rep)
	if rep.Succeeded() {
		return last, rep
	}
	return Failure(rep.Err, false), rep
}

func (s *Stage) Status() StageStatus { return s.stats.status(s.name, s.breaker) }

// history converts a retry report into dead-letter attempt entries.
func history(stage string, rep retry.Report) []deadletter.Attempt {
	out := make([]deadletter.Attempt, 0, len(rep.Attempts))
	for _, a := range rep.Attempts {
		e := deadletter.Attempt{Stage: stage, Number: a.Number, At: a.Start, Elapsed: a.Elapsed}
		if a.Err != nil {
			e.Err = a.Err.Error()
		}
		out = append(out, e)
	}
	return out
}
