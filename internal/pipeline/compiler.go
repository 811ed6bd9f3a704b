package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/shchae04/kafka-basic/internal/config"
	"github.com/shchae04/kafka-basic/internal/deadletter"
	"github.com/shchae04/kafka-basic/internal/spec"
	"github.com/shchae04/kafka-basic/internal/transform"
	"github.com/shchae04/kafka-basic/sink"
	kafkasink "github.com/shchae04/kafka-basic/sink/kafka"
	"github.com/shchae04/kafka-basic/sink/stdout"
	"github.com/shchae04/kafka-basic/source"
)

// Compile builds a runner from a pipeline.yml.
func Compile(path string, opts ...Option) (r *Runner, err error) {
	p, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	res, err := config.LoadResilience(p.ResilienceConfig)
	if err != nil {
		return nil, fmt.Errorf("resilience: %w", err)
	}
	suffix := p.DeadLetter.TopicSuffix
	if suffix == "" {
		suffix = deadletter.DefaultSuffix
	}

	src, capacity, err := buildSource(p, suffix)
	if err != nil {
		return nil, err
	}
	r = NewRunner(Policy{
		Retry:             res.Retry(),
		Breaker:           res.Breaker(),
		WorkerParallelism: res.WorkerParallelism,
		PartitionCapacity: capacity,
	}, opts...)
	r.SetSource(src)
	defer func() {
		if err != nil {
			_ = r.Close()
			r = nil
		}
	}()

	for _, t := range p.Transformers {
		if err = addTransformer(r, t, res); err != nil {
			return r, err
		}
	}

	multi := sink.NewMulti()
	for _, name := range p.Sinks {
		a, serr := newSink(name, p.SinkConfigs.Kafka, p)
		if serr != nil {
			_ = multi.Close()
			return r, serr
		}
		multi.Add(name, a)
	}
	r.SetSink(strings.Join(p.Sinks, ","), multi)

	dlqCfg := p.DeadLetter.Kafka
	dlqCfg.Topic = ""
	dlqCfg.PreservePartition = true
	dlq, err := newSink(p.DeadLetter.Sink, dlqCfg, p)
	if err != nil {
		return r, fmt.Errorf("dead_letter: %w", err)
	}
	r.SetDeadLetter(deadletter.NewSinkWriter(dlq, suffix))
	return r, nil
}

func buildSource(p config.Pipeline, dlqSuffix string) (source.Adapter, int, error) {
	switch p.Source.Kind {
	case "kafka":
		kc, err := config.LoadKafkaConfig(p.SourceConfig)
		if err != nil {
			return nil, 0, err
		}
		kc.TopicAdmin.DeadLetterSuffix = dlqSuffix
		src, err := configure(p.Source.Driver, "sarama", kc)
		return src, kc.BackPressure.Capacity, err
	case "memory":
		mc, err := config.LoadMemoryConfig(p.SourceConfig)
		if err != nil {
			return nil, 0, err
		}
		src, err := configure(p.Source.Driver, "memory", mc)
		return src, mc.PartitionCapacity, err
	default:
		return nil, 0, fmt.Errorf("unsupported source %q", p.Source.Kind)
	}
}

func configure(driver, def string, cfg any) (source.Adapter, error) {
	if driver == "" {
		driver = def
	}
	src, err := source.NewAdapter(driver)
	if err != nil {
		return nil, err
	}
	if err := src.Configure(cfg); err != nil {
		return nil, fmt.Errorf("source %s: %w", driver, err)
	}
	return src, nil
}

func addTransformer(r *Runner, t spec.TransformerSpec, res config.Resilience) error {
	var proc transform.Processor
	var err error
	switch t.Type {
	case "builtin", "":
		name := t.Builtin
		if name == "" {
			name = t.Name
		}
		proc, err = transform.Builtin(name)
	case "grpc":
		proc, err = transform.NewGRPCClient(t.Address, ms(t.TimeoutMS))
	default:
		err = fmt.Errorf("unsupported transformer type %q", t.Type)
	}
	if err != nil {
		return fmt.Errorf("transform %s: %w", t.Name, err)
	}

	var so []StageOption
	if rp := t.RetryPolicy; rp.Attempts > 0 || rp.BackoffMS > 0 {
		rc := res.Retry()
		if rp.Attempts > 0 {
			rc.MaxRetries = rp.Attempts
		}
		if rp.BackoffMS > 0 {
			rc.BaseBackoff = ms(rp.BackoffMS)
			if rc.MaxBackoff < rc.BaseBackoff {
				rc.MaxBackoff = rc.BaseBackoff
			}
		}
		so = append(so, WithRetry(rc))
	}
	return r.AddTransformer(t.Name, proc, so...)
}

func newSink(name string, kc spec.KafkaSink, p config.Pipeline) (sink.Adapter, error) {
	a, err := sink.NewAdapter(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case "stdout":
		err = a.Configure(stdout.Config{
			DelayMS:       p.Debug.PerRecordDelayMS,
			PrintCounter:  p.Debug.PrintCounter,
			PrintValue:    p.Debug.PrintValue,
			ValueMaxBytes: p.Debug.ValueMaxBytes,
		})
	case "kafka":
		err = a.Configure(kafkasink.Config{
			Brokers:           kc.Brokers,
			Topic:             kc.Topic,
			Acks:              kc.RequiredAcks,
			Version:           kc.Version,
			ClientID:          kc.ClientID,
			PreservePartition: kc.PreservePartition,
			TimeoutMS:         kc.TimeoutMS,
		})
	default:
		err = fmt.Errorf("no config block for sink %q", name)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
