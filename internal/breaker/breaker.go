// Package breaker implements the per-stage circuit breaker that guards calls
// to a processing function or downstream dependency.
//
// A breaker starts CLOSED. FailureThreshold consecutive failures open it;
// while OPEN every call is rejected until OpenCooldown has elapsed, after
// which a limited number of probe calls (HalfOpenMaxProbes, normally one) are
// let through in HALF_OPEN. A successful probe closes the breaker, a failed
// one re-opens it.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of a breaker.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrOpen is matched by every rejection produced by a breaker.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError reports a call rejected without being attempted.
type OpenError struct {
	Name      string
	Remaining time.Duration // cool-down left; zero while a probe is in flight
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open (retry in %s)", e.Name, e.Remaining)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Rejections are waited out, never counted against the retry budget.
func (e *OpenError) Retriable() bool { return true }

type Config struct {
	FailureThreshold  int
	OpenCooldown      time.Duration
	HalfOpenMaxProbes int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenCooldown <= 0 {
		c.OpenCooldown = 30 * time.Second
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 1
	}
	return c
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers fn to be called after every transition. fn runs
// outside the breaker lock and must not block for long.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	listeners []func(name string, from, to State)

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probes               int
	gen                  uint64
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Admit reports whether a call may proceed and returns the ticket the
// outcome must be reported with. In HALF_OPEN it atomically reserves a probe
// slot; the caller must then report through Succeeded, Failed or Released.
//
// Tickets carry the breaker generation, which changes on every transition.
// An outcome reported with a ticket from an earlier generation is dropped, so
// a slow call admitted while CLOSED cannot decide the HALF_OPEN trial call.
func (b *Breaker) Admit() (uint64, bool) {
	b.mu.Lock()
	var from State
	changed := false
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenCooldown {
			from, changed = b.state, true
			b.state = HalfOpen
			b.gen++
			b.probes = 1
			b.consecutiveSuccesses = 0
			allowed = true
		}
	case HalfOpen:
		if b.probes < b.cfg.HalfOpenMaxProbes {
			b.probes++
			allowed = true
		}
	}
	to, ticket := b.state, b.gen
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
	return ticket, allowed
}

func (b *Breaker) Succeeded(ticket uint64) {
	b.mu.Lock()
	from := b.state
	if ticket == b.gen {
		switch b.state {
		case Closed:
			b.consecutiveFailures = 0
			b.consecutiveSuccesses++
		case HalfOpen:
			b.state = Closed
			b.gen++
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 1
			b.probes = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) Failed(ticket uint64) {
	b.mu.Lock()
	from := b.state
	if ticket == b.gen {
		switch b.state {
		case Closed:
			b.consecutiveFailures++
			b.consecutiveSuccesses = 0
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.trip()
			}
		case HalfOpen:
			b.consecutiveFailures++
			b.trip()
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Released gives back a HALF_OPEN probe slot without judging the
// dependency, e.g. when the attempt failed on a malformed message.
func (b *Breaker) Released(ticket uint64) {
	b.mu.Lock()
	if ticket == b.gen && b.state == HalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

// Allow, RecordSuccess and RecordFailure are the ticketless form of the
// contract. Outcomes apply to the current generation.
func (b *Breaker) Allow() bool {
	_, ok := b.Admit()
	return ok
}

func (b *Breaker) RecordSuccess() { b.Succeeded(b.generation()) }
func (b *Breaker) RecordFailure() { b.Failed(b.generation()) }

func (b *Breaker) generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Cooldown returns how long the breaker will keep rejecting calls. It is zero
// when CLOSED, when the cool-down already elapsed, and in HALF_OPEN.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	left := b.cfg.OpenCooldown - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Reject builds the error returned to callers turned away by Admit.
func (b *Breaker) Reject() error {
	return &OpenError{Name: b.name, Remaining: b.Cooldown()}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// must be called with b.mu held
func (b *Breaker) trip() {
	b.state = Open
	b.gen++
	b.openedAt = b.now()
	b.consecutiveSuccesses = 0
	b.probes = 0
}

func (b *Breaker) notify(from, to State) {
	for _, fn := range b.listeners {
		fn(b.name, from, to)
	}
}

// Snapshot is a read-only copy of a breaker's state.
type Snapshot struct {
	Name                 string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	ProbeInFlight        bool
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		ProbeInFlight:        b.state == HalfOpen && b.probes > 0,
	}
}
