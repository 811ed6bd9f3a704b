package kafka

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
)

const envPrefix = "KAFKABASIC_KAFKA__"

type BackPressureCfg struct {
	// Capacity bounds unresolved offsets per partition. 1 processes each
	// partition strictly one message at a time.
	Capacity int `koanf:"capacity"`
}

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"` // flush cadence
}

type TopicsCfg struct {
	Ensure            bool   `koanf:"ensure"` // create missing topics and their dead-letter topics
	Partitions        int32  `koanf:"partitions"`
	ReplicationFactor int16  `koanf:"replication_factor"`
	DeadLetterSuffix  string `koanf:"dead_letter_suffix"`
}

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	ClientID  string   `koanf:"client_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default newest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	HealthTimeout time.Duration   `koanf:"health_timeout"`
	BackPressure  BackPressureCfg `koanf:"backpressure"`
	Checkpoint    CheckpointCfg   `koanf:"checkpoint"`
	TopicAdmin    TopicsCfg       `koanf:"topic_admin"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `KAFKABASIC_KAFKA__`, `__` separates levels).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	if c.BackPressure.Capacity <= 0 {
		c.BackPressure.Capacity = 1
	}
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.TopicAdmin.Partitions <= 0 {
		c.TopicAdmin.Partitions = 3
	}
	if c.TopicAdmin.ReplicationFactor <= 0 {
		c.TopicAdmin.ReplicationFactor = 1
	}
	if c.TopicAdmin.DeadLetterSuffix == "" {
		c.TopicAdmin.DeadLetterSuffix = ".DLQ"
	}
}

func (c Config) validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: brokers is required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("kafka: topics is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka: group_id is required"))
	}
	if c.StartFrom != "oldest" && c.StartFrom != "newest" {
		errs = append(errs, fmt.Errorf("kafka: start_from %q (want oldest|newest)", c.StartFrom))
	}
	return errors.Join(errs...)
}
