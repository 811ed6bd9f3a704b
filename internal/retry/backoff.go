package retry

import (
	"math/rand/v2"
	"time"

	"github.com/jpillora/backoff"
)

// Config bounds how often and how long a message is retried.
type Config struct {
	MaxRetries  int           // retries after the first attempt
	BaseBackoff time.Duration // delay before the first retry
	MaxBackoff  time.Duration
	Jitter      float64       // ± fraction applied to each delay, 0..1
	Deadline    time.Duration // wall-clock bound for all attempts, 0 = none
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

type policy struct {
	b      *backoff.Backoff
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64
}

func newPolicy(c Config, r func() float64) *policy {
	if r == nil {
		r = rand.Float64
	}
	return &policy{
		b:      &backoff.Backoff{Min: c.BaseBackoff, Max: c.MaxBackoff, Factor: 2},
		base:   c.BaseBackoff,
		max:    c.MaxBackoff,
		jitter: c.Jitter,
		rand:   r,
	}
}

// delay returns the wait after the made-th failed attempt:
// min(max, base·2^(made-1)) ± jitter.
func (p *policy) delay(made int) time.Duration {
	if p.base <= 0 {
		return 0
	}
	d := p.b.ForAttempt(float64(made - 1))
	if p.jitter > 0 {
		f := 1 + p.jitter*(2*p.rand()-1)
		d = time.Duration(float64(d) * f)
	}
	if d > p.max {
		d = p.max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// poll is how long to wait when a breaker rejects a call but reports no
// cool-down, i.e. while somebody else's HALF_OPEN probe is in flight.
func (p *policy) poll() time.Duration {
	if p.base > 0 {
		return p.base
	}
	return 10 * time.Millisecond
}
