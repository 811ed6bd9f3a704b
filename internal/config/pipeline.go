package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/shchae04/kafka-basic/internal/spec"
)

const SupportedSchema = "v1"

// Pipeline is a parsed pipeline.yml with every referenced path made
// absolute.
type Pipeline struct {
	spec.File
	SourceConfig     string
	ResilienceConfig string
}

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// resolves the source and resilience config paths relative to the file.
func LoadPipelineSpec(path string) (Pipeline, error) {
	var p Pipeline
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p.File); err != nil {
		return p, fmt.Errorf("%s: %w", path, err)
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = SupportedSchema
	}
	if p.SchemaVersion != SupportedSchema {
		return p, fmt.Errorf("pipeline schema_version %q not supported (want %q)", p.SchemaVersion, SupportedSchema)
	}
	if len(p.Sinks) == 0 {
		return p, fmt.Errorf("%s: at least one sink is required", path)
	}
	if p.DeadLetter.Sink == "" {
		return p, fmt.Errorf("%s: dead_letter.sink is required", path)
	}
	// an empty topic would send output back to the source topic
	if slices.Contains(p.Sinks, "kafka") && p.SinkConfigs.Kafka.Topic == "" {
		return p, fmt.Errorf("%s: sink_configs.kafka.topic is required for the kafka sink", path)
	}
	p.SourceConfig = resolve(path, p.Source.Config)
	p.ResilienceConfig = resolve(path, p.Resilience)
	return p, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(base), p)
}
