package config

import (
	kcfg "github.com/shchae04/kafka-basic/source/kafka"
	"github.com/shchae04/kafka-basic/source/memory"
)

// LoadKafkaConfig delegates to the Kafka source loader while centralizing
// loader entrypoints under internal/config.
func LoadKafkaConfig(path string) (kcfg.Config, error) {
	return kcfg.LoadConfig(path)
}

func LoadMemoryConfig(path string) (memory.Config, error) {
	return memory.LoadConfig(path)
}
