package engine

import "time"

type Config struct {
	GRPCPort       int
	MetricsPort    int
	PipelineYml    string
	HealthInterval time.Duration // broker health probe cadence, default 10s
	HealthTimeout  time.Duration // per probe, default 5s
	DrainTimeout   time.Duration // HTTP shutdown grace, default 5s
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}
