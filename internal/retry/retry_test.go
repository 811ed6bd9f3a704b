package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shchae04/kafka-basic/internal/breaker"
)

// virtualClock makes every sleep instantaneous while still advancing time.
type virtualClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newVirtualClock() *virtualClock { return &virtualClock{now: time.Unix(1_700_000_000, 0)} }

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *virtualClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type permanent struct{ error }

func (permanent) Retriable() bool { return false }

type countingObserver struct {
	mu                          sync.Mutex
	attempts, backoffs, rejects int
}

func (o *countingObserver) Attempted(int, error) { o.mu.Lock(); o.attempts++; o.mu.Unlock() }
func (o *countingObserver) BackedOff(time.Duration) {
	o.mu.Lock()
	o.backoffs++
	o.mu.Unlock()
}
func (o *countingObserver) Rejected(time.Duration) { o.mu.Lock(); o.rejects++; o.mu.Unlock() }

func newEngine(cfg Config, clk *virtualClock, opts ...Option) *Engine {
	opts = append([]Option{WithClock(clk.Now, clk.Sleep), WithRand(func() float64 { return 0.5 })}, opts...)
	return New(cfg, opts...)
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	clk := newVirtualClock()
	e := newEngine(Config{MaxRetries: 3, BaseBackoff: time.Second}, clk)

	calls := 0
	rep := e.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return nil
	})

	require.NoError(t, rep.Err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clk.Slept())
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	clk := newVirtualClock()
	e := newEngine(Config{MaxRetries: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, clk)

	rep := e.Do(context.Background(), nil, func(_ context.Context, n int) error {
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, rep.Err)
	assert.Len(t, rep.Attempts, 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, clk.Slept())
}

func TestDo_AlwaysRetriableAttemptsMaxRetriesPlusOne(t *testing.T) {
	clk := newVirtualClock()
	e := newEngine(Config{MaxRetries: 4, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, clk)

	boom := errors.New("transient")
	calls := 0
	rep := e.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return boom
	})

	assert.Equal(t, 5, calls)
	assert.ErrorIs(t, rep.Err, ErrExhausted)
	assert.ErrorIs(t, rep.Err, boom)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond,
	}, clk.Slept())
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	clk := newVirtualClock()
	obs := &countingObserver{}
	e := newEngine(Config{MaxRetries: 5, BaseBackoff: time.Second}, clk, WithObserver(obs))

	calls := 0
	bad := permanent{errors.New("malformed")}
	rep := e.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return bad
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, rep.Err, bad)
	assert.NotErrorIs(t, rep.Err, ErrExhausted)
	assert.Empty(t, clk.Slept(), "no backoff for permanent failures")
	assert.Zero(t, rep.Waited)
	assert.Zero(t, obs.backoffs)
}

func TestDo_DeadlineBoundsAttempts(t *testing.T) {
	clk := newVirtualClock()
	e := newEngine(Config{
		MaxRetries:  100,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Second,
		Deadline:    3500 * time.Millisecond,
	}, clk)

	calls := 0
	rep := e.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, rep.Err, ErrDeadline)
	assert.Equal(t, 4, calls, "attempts at t=0,1,2,3s; the next backoff would cross the deadline")
}

func TestDo_AttemptContextCarriesDeadline(t *testing.T) {
	e := New(Config{Deadline: time.Minute})

	var got time.Time
	var ok bool
	e.Do(context.Background(), nil, func(ctx context.Context, _ int) error {
		got, ok = ctx.Deadline()
		return nil
	})

	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), got, 5*time.Second)
}

func TestDo_OpenBreakerStopsInvokingAfterThreshold(t *testing.T) {
	clk := newVirtualClock()
	b := breaker.New("stage-x", breaker.Config{FailureThreshold: 3, OpenCooldown: time.Minute}, breaker.WithClock(clk.Now))
	obs := &countingObserver{}
	e := newEngine(Config{
		MaxRetries:  10,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		Deadline:    5 * time.Second,
	}, clk, WithObserver(obs))

	calls := 0
	rep := e.Do(context.Background(), b, func(context.Context, int) error {
		calls++
		return errors.New("dependency down")
	})

	assert.Equal(t, 3, calls, "the 4th attempt is rejected without invoking the function")
	assert.ErrorIs(t, rep.Err, ErrDeadline)
	assert.ErrorIs(t, rep.Err, breaker.ErrOpen)
	assert.Equal(t, 1, rep.Rejections)
	assert.Equal(t, breaker.Open, b.State())
}

func TestDo_WaitsOutCooldownWithoutBurningAttempts(t *testing.T) {
	clk := newVirtualClock()
	b := breaker.New("stage-x", breaker.Config{FailureThreshold: 2, OpenCooldown: 30 * time.Second}, breaker.WithClock(clk.Now))
	e := newEngine(Config{MaxRetries: 2, BaseBackoff: time.Second, MaxBackoff: time.Second}, clk)

	calls := 0
	rep := e.Do(context.Background(), b, func(_ context.Context, n int) error {
		calls++
		if n <= 2 {
			return errors.New("dependency down")
		}
		return nil
	})

	require.NoError(t, rep.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, rep.Rejections)
	assert.Equal(t, breaker.Closed, b.State(), "probe success closed the breaker")
	assert.Equal(t, []time.Duration{time.Second, time.Second, 29 * time.Second}, clk.Slept())
}

func TestDo_InterruptedBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	rep := New(Config{MaxRetries: 3}).Do(ctx, nil, func(context.Context, int) error {
		calls++
		return nil
	})

	assert.Zero(t, calls)
	assert.True(t, rep.Interrupted())
}

func TestDo_ShutdownDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{MaxRetries: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour})

	calls := 0
	done := make(chan Report, 1)
	go func() {
		done <- e.Do(ctx, nil, func(context.Context, int) error {
			calls++
			return errors.New("transient")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case rep := <-done:
		assert.True(t, rep.Interrupted())
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not observe shutdown")
	}
}

func TestDo_InFlightAttemptSurvivesShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Config{MaxRetries: 1})

	rep := e.Do(ctx, nil, func(actx context.Context, _ int) error {
		cancel()
		return actx.Err()
	})

	assert.NoError(t, rep.Err, "the attempt context is detached from shutdown")
}

func TestPolicy_DelayWithJitter(t *testing.T) {
	cfg := Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, Jitter: 0.2}.withDefaults()

	tests := []struct {
		name string
		r    float64
		made int
		want time.Duration
	}{
		{"first retry, no jitter", 0.5, 1, 100 * time.Millisecond},
		{"third retry, no jitter", 0.5, 3, 400 * time.Millisecond},
		{"low jitter", 0, 2, 160 * time.Millisecond},
		{"capped", 0.999999, 20, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy(cfg, func() float64 { return tt.r })
			assert.InDelta(t, float64(tt.want), float64(p.delay(tt.made)), float64(time.Millisecond))
		})
	}
}

func TestPolicy_ZeroBaseMeansNoDelay(t *testing.T) {
	p := newPolicy(Config{}.withDefaults(), nil)
	assert.Zero(t, p.delay(3))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(errors.New("x")))
	assert.False(t, IsRetriable(permanent{errors.New("x")}))
	assert.True(t, IsRetriable(&breaker.OpenError{Name: "x"}))
}
