// Package stdout is a debug sink that prints one line per delivered record.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shchae04/kafka-basic/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS       int  `yaml:"delay_ms"`      // artificial per-record delay
	PrintCounter  bool `yaml:"print_counter"` // prepend seq#
	PrintValue    bool `yaml:"print_value"`
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = unlimited

	Out io.Writer `yaml:"-"` // defaults to os.Stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	seq atomic.Uint64

	mu sync.Mutex // serialises writes to cfg.Out
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	return nil
}

func (d *driver) Deliver(ctx context.Context, e *sink.Envelope) error {
	if d.cfg.DelayMS > 0 {
		t := time.NewTimer(time.Duration(d.cfg.DelayMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	line := origin(e)
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d] %s", d.seq.Add(1), line)
	} else {
		line = "[sink] " + line
	}
	if d.cfg.PrintValue {
		v := e.Value
		if n := d.cfg.ValueMaxBytes; n > 0 && len(v) > n {
			v = v[:n]
		}
		line += fmt.Sprintf(" value=%q", v)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.cfg.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

func (d *driver) Close() error { return nil }

func origin(e *sink.Envelope) string {
	if e.Source != nil {
		return fmt.Sprintf("%s -> %s", e.Source, e.Topic)
	}
	return e.Topic
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
