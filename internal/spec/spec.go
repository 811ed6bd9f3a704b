// Package spec is the schema of pipeline.yml.
package spec

type debugSection struct {
	PerRecordDelayMS int  `yaml:"per_record_delay_ms"`
	PrintCounter     bool `yaml:"print_counter"`
	PrintValue       bool `yaml:"print_value"`
	ValueMaxBytes    int  `yaml:"value_max_bytes"`
}

type RetryPolicy struct {
	Attempts  int `yaml:"attempts"` // retries after the first attempt
	BackoffMS int `yaml:"backoff_ms"`
}

type TransformerSpec struct {
	Name        string      `yaml:"name"`
	Type        string      `yaml:"type"`    // "builtin" or "grpc"
	Builtin     string      `yaml:"builtin"` // builtin processor, defaults to Name
	Address     string      `yaml:"address"` // e.g. "localhost:50051"
	TimeoutMS   int         `yaml:"timeout_ms"`
	RetryPolicy RetryPolicy `yaml:"retry_policy"`
}

type KafkaSink struct {
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	RequiredAcks      int16    `yaml:"required_acks"`
	Version           string   `yaml:"version"`
	ClientID          string   `yaml:"client_id"`
	PreservePartition bool     `yaml:"preserve_partition"`
	TimeoutMS         int      `yaml:"timeout_ms"`
}

type SinkConfigs struct {
	Kafka KafkaSink `yaml:"kafka"`
}

type DeadLetter struct {
	Sink        string    `yaml:"sink"`         // "kafka" or "stdout"
	TopicSuffix string    `yaml:"topic_suffix"` // default ".DLQ"
	Kafka       KafkaSink `yaml:"kafka"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`   // "kafka" or "memory"
		Driver string `yaml:"driver"` // "sarama" or "memory"
		Config string `yaml:"config"`
	} `yaml:"source"`

	// Resilience points at the retry/breaker config file; optional.
	Resilience string `yaml:"resilience"`

	// Ordered list of processing stages applied between source and sinks.
	Transformers []TransformerSpec `yaml:"transformers"`

	Sinks       []string     `yaml:"sinks"`
	SinkConfigs SinkConfigs  `yaml:"sink_configs"`
	DeadLetter  DeadLetter   `yaml:"dead_letter"`
	Debug       debugSection `yaml:"debug"`
}
