package memory

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/source"
)

type Record struct {
	Partition int32             `yaml:"partition"`
	Key       string            `yaml:"key"`
	Value     string            `yaml:"value"`
	Headers   map[string]string `yaml:"headers"`
}

// Config seeds a log for demos and local runs.
type Config struct {
	Topic      string   `yaml:"topic"`
	Partitions int      `yaml:"partitions"`
	Records    []Record `yaml:"records"`
	// StopWhenDrained ends Run once every partition has been consumed to
	// its high-water mark and all dispatched messages finished.
	StopWhenDrained bool `yaml:"stop_when_drained"`
	// PartitionCapacity bounds unresolved offsets per partition, default 1.
	PartitionCapacity int `yaml:"partition_capacity"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Topic == "" {
		return cfg, fmt.Errorf("%s: topic is required", path)
	}
	if cfg.PartitionCapacity <= 0 {
		cfg.PartitionCapacity = 1
	}
	return cfg, nil
}

type Driver struct {
	log             *Log
	stopWhenDrained bool
}

// New consumes log. With stopWhenDrained, Run returns once the log as it
// is at that moment has been fully handled.
func New(log *Log, stopWhenDrained bool) *Driver {
	return &Driver{log: log, stopWhenDrained: stopWhenDrained}
}

func (d *Driver) Log() *Log { return d.log }

func (d *Driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("memory: expected Config, got %T", raw)
	}
	d.log = NewLog(cfg.Topic, cfg.Partitions)
	d.stopWhenDrained = cfg.StopWhenDrained
	for _, r := range cfg.Records {
		if int(r.Partition) >= d.log.Partitions() || r.Partition < 0 {
			return fmt.Errorf("memory: record for partition %d, topic has %d", r.Partition, d.log.Partitions())
		}
		var h map[string][]byte
		if len(r.Headers) > 0 {
			h = make(map[string][]byte, len(r.Headers))
			for k, v := range r.Headers {
				h[k] = []byte(v)
			}
		}
		var key []byte
		if r.Key != "" {
			key = []byte(r.Key)
		}
		d.log.Append(r.Partition, key, []byte(r.Value), h)
	}
	return nil
}

func (d *Driver) Run(ctx context.Context, disp *source.Dispatcher) error {
	if d.log == nil {
		return fmt.Errorf("memory: driver not configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < d.log.Partitions(); p++ {
		p := int32(p)
		g.Go(func() error { return d.consume(ctx, disp, p) })
	}
	return g.Wait()
}

func (d *Driver) consume(ctx context.Context, disp *source.Dispatcher, p int32) error {
	committed := d.log.Committed(p)
	c := disp.Claim(d.log.Topic(), p, committed, func(off int64) error { return d.log.commit(p, off) })
	defer c.Close()

	stopAt := d.log.HighWater(p)
	for next := committed + 1; ; next++ {
		if d.stopWhenDrained && next >= stopAt {
			return nil
		}
		m, wait := d.log.read(p, next)
		for m == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			m, wait = d.log.read(p, next)
		}
		c.Ledger().ObserveHighWater(d.log.HighWater(p))
		if err := c.Dispatch(ctx, m); err != nil {
			if herr := c.Err(); herr != nil {
				logging.L().Error("memory partition halted", "topic", d.log.Topic(), "partition", p, "err", herr)
				return nil
			}
			return err
		}
	}
}

// Health always succeeds; the log lives in this process.
func (d *Driver) Health(context.Context) error { return nil }

func (d *Driver) Close() error { return nil }

func init() {
	source.Register("memory", func() source.Adapter { return &Driver{} })
}
