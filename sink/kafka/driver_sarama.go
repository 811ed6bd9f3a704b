// Package kafka delivers records to Kafka with a sarama SyncProducer. It
// serves both the downstream topic and the dead-letter topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"

	"github.com/shchae04/kafka-basic/sink"
)

type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`         // empty: use the envelope's topic
	Acks     int16    `yaml:"required_acks"` // 0,1,-1
	Version  string   `yaml:"version"`
	ClientID string   `yaml:"client_id"`
	// PreservePartition writes to the envelope's partition instead of
	// hashing the key. Dead-letter topics use it to mirror the source.
	PreservePartition bool `yaml:"preserve_partition"`
	TimeoutMS         int  `yaml:"timeout_ms"`
}

type driver struct {
	cfg Config
	p   sarama.SyncProducer

	newProducer func([]string, *sarama.Config) (sarama.SyncProducer, error)
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	d.cfg = cfg

	sc, err := saramaConfig(cfg)
	if err != nil {
		return err
	}
	if d.newProducer == nil {
		d.newProducer = sarama.NewSyncProducer
	}
	d.p, err = d.newProducer(cfg.Brokers, sc)
	return err
}

func saramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.TimeoutMS > 0 {
		sc.Producer.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	if cfg.PreservePartition {
		sc.Producer.Partitioner = sarama.NewManualPartitioner
	}
	return sc, nil
}

func (d *driver) Deliver(ctx context.Context, e *sink.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.p == nil {
		return errors.New("kafka-sink: not configured")
	}
	topic := d.cfg.Topic
	if topic == "" || e.Routed {
		topic = e.Topic
	}
	pm := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(e.Value),
		Headers: recordHeaders(e.Headers),
	}
	if e.Key != nil {
		pm.Key = sarama.ByteEncoder(e.Key)
	}
	if d.cfg.PreservePartition {
		if e.Partition < 0 {
			return sink.Permanent(fmt.Errorf("kafka-sink: %s needs an explicit partition", topic))
		}
		pm.Partition = e.Partition
	}
	if _, _, err := d.p.SendMessage(pm); err != nil {
		return classify(err)
	}
	return nil
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	err := d.p.Close()
	d.p = nil
	return err
}

// classify marks errors that no retry can fix.
func classify(err error) error {
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrInvalidTopic),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed):
		return sink.Permanent(err)
	}
	return err
}

func recordHeaders(h map[string][]byte) []sarama.RecordHeader {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: h[k]})
	}
	return out
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
