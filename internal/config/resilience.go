package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/retry"
)

const resilienceEnvPrefix = "KAFKABASIC_RESILIENCE__"

// Resilience holds the retry, circuit breaker and concurrency settings.
type Resilience struct {
	MaxRetries         int           `koanf:"max_retries"`
	BaseBackoff        time.Duration `koanf:"base_backoff"`
	MaxBackoff         time.Duration `koanf:"max_backoff"`
	Jitter             float64       `koanf:"jitter"`
	FailureThreshold   int           `koanf:"failure_threshold"`
	OpenCooldown       time.Duration `koanf:"open_cooldown"`
	HalfOpenMaxProbes  int           `koanf:"half_open_max_probes"`
	ProcessingDeadline time.Duration `koanf:"processing_deadline"`
	WorkerParallelism  int           `koanf:"worker_parallelism"`
}

func DefaultResilience() Resilience {
	return Resilience{
		MaxRetries:         3,
		BaseBackoff:        time.Second,
		MaxBackoff:         10 * time.Second,
		Jitter:             0.2,
		FailureThreshold:   5,
		OpenCooldown:       30 * time.Second,
		HalfOpenMaxProbes:  1,
		ProcessingDeadline: time.Minute,
		WorkerParallelism:  20,
	}
}

// LoadResilience merges defaults, the YAML file at path (optional) and
// env-vars (prefix `KAFKABASIC_RESILIENCE__`, `__` separates levels).
func LoadResilience(path string) (Resilience, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Resilience{}, err
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return Resilience{}, fmt.Errorf("resilience schema_version %q not supported (want %s)", sv, SupportedSchema)
	}
	if err := k.Load(env.Provider(resilienceEnvPrefix, ".", envKey(resilienceEnvPrefix)), nil); err != nil {
		return Resilience{}, err
	}

	cfg := DefaultResilience()
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// envKey maps PREFIX_A__B to a.b.
func envKey(prefix string) func(string) string {
	return func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}
}

func (r Resilience) Validate() error {
	var errs []error
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", r.MaxRetries))
	}
	if r.BaseBackoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("backoff durations must be >= 0"))
	}
	if r.MaxBackoff < r.BaseBackoff {
		errs = append(errs, fmt.Errorf("max_backoff %s below base_backoff %s", r.MaxBackoff, r.BaseBackoff))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0,1], got %v", r.Jitter))
	}
	if r.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("failure_threshold must be > 0, got %d", r.FailureThreshold))
	}
	if r.OpenCooldown <= 0 {
		errs = append(errs, fmt.Errorf("open_cooldown must be > 0, got %s", r.OpenCooldown))
	}
	if r.HalfOpenMaxProbes <= 0 {
		errs = append(errs, fmt.Errorf("half_open_max_probes must be > 0, got %d", r.HalfOpenMaxProbes))
	}
	// without a deadline a message could wait on an open breaker forever
	if r.ProcessingDeadline <= 0 {
		errs = append(errs, fmt.Errorf("processing_deadline must be > 0, got %s", r.ProcessingDeadline))
	}
	if r.WorkerParallelism <= 0 {
		errs = append(errs, fmt.Errorf("worker_parallelism must be > 0, got %d", r.WorkerParallelism))
	}
	return errors.Join(errs...)
}

func (r Resilience) Retry() retry.Config {
	return retry.Config{
		MaxRetries:  r.MaxRetries,
		BaseBackoff: r.BaseBackoff,
		MaxBackoff:  r.MaxBackoff,
		Jitter:      r.Jitter,
		Deadline:    r.ProcessingDeadline,
	}
}

func (r Resilience) Breaker() breaker.Config {
	return breaker.Config{
		FailureThreshold:  r.FailureThreshold,
		OpenCooldown:      r.OpenCooldown,
		HalfOpenMaxProbes: r.HalfOpenMaxProbes,
	}
}
