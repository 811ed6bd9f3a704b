// Package retry provides the retry policy engine: bounded attempts with
// exponential backoff and jitter, an overall deadline, and cooperation with
// a circuit breaker so that rejected calls are waited out instead of
// consuming attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExhausted is returned when every allowed attempt failed.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrDeadline is returned when the processing deadline cut retries short.
	ErrDeadline = errors.New("processing deadline exceeded")
	// ErrInterrupted is returned when shutdown began before the next attempt
	// could start. No terminal outcome has been reached in that case.
	ErrInterrupted = errors.New("retry interrupted by shutdown")
)

// Guard is consulted before every attempt. *breaker.Breaker satisfies it.
// Outcomes are reported with the ticket Admit returned for that attempt.
type Guard interface {
	Admit() (ticket uint64, ok bool)
	Succeeded(ticket uint64)
	Failed(ticket uint64)
	Released(ticket uint64)
	Cooldown() time.Duration
	Reject() error
}

// NoGuard lets every call through.
type NoGuard struct{}

func (NoGuard) Admit() (uint64, bool)   { return 0, true }
func (NoGuard) Succeeded(uint64)        {}
func (NoGuard) Failed(uint64)           {}
func (NoGuard) Released(uint64)         {}
func (NoGuard) Cooldown() time.Duration { return 0 }
func (NoGuard) Reject() error           { return nil }

// Func performs one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Attempt records one invocation of a Func.
type Attempt struct {
	Number  int
	Err     error
	Start   time.Time
	Elapsed time.Duration
}

// Report is the terminal result of Engine.Do.
type Report struct {
	Attempts   []Attempt
	Rejections int
	Waited     time.Duration
	Err        error
}

func (r Report) Succeeded() bool { return r.Err == nil }

// Interrupted reports whether shutdown stopped the engine before a terminal
// outcome was reached.
func (r Report) Interrupted() bool { return errors.Is(r.Err, ErrInterrupted) }

// Observer receives engine events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Attempted(attempt int, err error)
	BackedOff(d time.Duration)
	Rejected(wait time.Duration)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) Attempted(n int, err error) {
	for _, x := range o {
		x.Attempted(n, err)
	}
}

func (o Observers) BackedOff(d time.Duration) {
	for _, x := range o {
		x.BackedOff(d)
	}
}

func (o Observers) Rejected(d time.Duration) {
	for _, x := range o {
		x.Rejected(d)
	}
}

// Classifier decides whether a failed attempt may be retried.
type Classifier func(error) bool

// IsRetriable is the default classifier: errors that carry a
// Retriable() bool method decide for themselves, everything else is retried.
func IsRetriable(err error) bool {
	var r interface{ Retriable() bool }
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return true
}

type Option func(*Engine)

func WithClassifier(c Classifier) Option { return func(e *Engine) { e.classify = c } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.obs = o } }

// WithClock replaces the time source and the sleeper, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.now, e.sleep = now, sleep }
}

// WithRand replaces the jitter source; r must return values in [0,1).
func WithRand(r func() float64) Option { return func(e *Engine) { e.rand = r } }

type Engine struct {
	cfg      Config
	policy   *policy
	classify Classifier
	obs      Observer
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	rand     func() float64
}

func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		classify: IsRetriable,
		obs:      Observers(nil),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	e.policy = newPolicy(cfg, e.rand)
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// attemptState is the per-message retry context; it lives for one Do call.
type attemptState struct {
	made        int
	nextBackoff time.Duration
	deadline    time.Time
}

func (s *attemptState) expired(now time.Time) bool {
	return !s.deadline.IsZero() && !now.Before(s.deadline)
}

func (s *attemptState) fits(now time.Time, wait time.Duration) bool {
	return s.deadline.IsZero() || !now.Add(wait).After(s.deadline)
}

// Do runs fn until it succeeds or a terminal failure is reached.
//
// ctx is the shutdown signal: once it is done no further attempt or wait is
// started and the report carries ErrInterrupted. An attempt already running
// is not cancelled by shutdown; it only sees the processing deadline.
func (e *Engine) Do(ctx context.Context, g Guard, fn Func) Report {
	if g == nil {
		g = NoGuard{}
	}
	st := &attemptState{}
	if e.cfg.Deadline > 0 {
		st.deadline = e.now().Add(e.cfg.Deadline)
	}

	work := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if !st.deadline.IsZero() {
		work, cancel = context.WithDeadline(work, st.deadline)
	}
	defer cancel()

	var rep Report
	var last error
	for {
		if ctx.Err() != nil {
			rep.Err = errors.Join(ErrInterrupted, ctx.Err(), last)
			return rep
		}
		if st.expired(e.now()) {
			rep.Err = errors.Join(ErrDeadline, last)
			return rep
		}

		ticket, ok := g.Admit()
		if !ok {
			rej := g.Reject()
			rep.Rejections++
			wait := g.Cooldown()
			if wait <= 0 {
				wait = e.policy.poll()
			}
			e.obs.Rejected(wait)
			if !st.fits(e.now(), wait) {
				rep.Err = errors.Join(ErrDeadline, rej, last)
				return rep
			}
			if err := e.sleep(ctx, wait); err != nil {
				rep.Err = errors.Join(ErrInterrupted, rej, last)
				return rep
			}
			rep.Waited += wait
			continue
		}

		st.made++
		start := e.now()
		err := fn(work, st.made)
		rep.Attempts = append(rep.Attempts, Attempt{Number: st.made, Err: err, Start: start, Elapsed: e.now().Sub(start)})
		e.obs.Attempted(st.made, err)

		if err == nil {
			g.Succeeded(ticket)
			rep.Err = nil
			return rep
		}
		if !e.classify(err) {
			g.Released(ticket)
			rep.Err = err
			return rep
		}
		g.Failed(ticket)
		last = err

		if st.made > e.cfg.MaxRetries {
			rep.Err = errors.Join(ErrExhausted, err)
			return rep
		}
		st.nextBackoff = e.policy.delay(st.made)
		if !st.fits(e.now(), st.nextBackoff) {
			rep.Err = errors.Join(ErrDeadline, err)
			return rep
		}
		e.obs.BackedOff(st.nextBackoff)
		if err := e.sleep(ctx, st.nextBackoff); err != nil {
			rep.Err = errors.Join(ErrInterrupted, last)
			return rep
		}
		rep.Waited += st.nextBackoff
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
