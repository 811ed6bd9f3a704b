package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shchae04/kafka-basic/internal/checkpoint"
	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/message"
)

// Handler takes a message to its terminal outcome. It returns nil once the
// message was delivered or dead-lettered, message.ErrAbandoned when shutdown
// interrupted it, and any other error when the partition must stop.
type Handler func(ctx context.Context, m *message.Message) error

// Dispatcher connects drivers to the handler.
type Dispatcher struct {
	coord   *checkpoint.Coordinator
	limiter *Limiter
	handle  Handler

	wg sync.WaitGroup
}

func NewDispatcher(coord *checkpoint.Coordinator, limiter *Limiter, h Handler) *Dispatcher {
	return &Dispatcher{coord: coord, limiter: limiter, handle: h}
}

func (d *Dispatcher) Coordinator() *checkpoint.Coordinator { return d.coord }
func (d *Dispatcher) Limiter() *Limiter                    { return d.limiter }

// Claim opens the ledger of a newly assigned partition. committed is the
// last committed offset (-1 if none); commit persists progress.
func (d *Dispatcher) Claim(topic string, partition int32, committed int64, commit checkpoint.CommitFunc) *Claim {
	return &Claim{d: d, ledger: d.coord.Open(topic, partition, committed, commit)}
}

// Wait blocks until every dispatched message of every claim has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Claim is one partition's intake.
type Claim struct {
	d      *Dispatcher
	ledger *checkpoint.Ledger
	wg     sync.WaitGroup
}

func (c *Claim) Ledger() *checkpoint.Ledger { return c.ledger }

// Err returns the error that halted the partition, if any.
func (c *Claim) Err() error { return c.ledger.Err() }

// Dispatch tracks m and processes it on its own goroutine. It blocks while
// the partition has too many unresolved offsets or every worker is busy.
// Messages must be dispatched in offset order. A non-nil error means the
// claim accepts nothing more: ctx is done or the partition was halted.
func (c *Claim) Dispatch(ctx context.Context, m *message.Message) error {
	if err := c.ledger.Track(ctx, m.Offset); err != nil {
		return err
	}
	// a tracked offset that never runs stays unresolved and blocks commits
	if err := c.d.limiter.Acquire(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	c.d.wg.Add(1)
	go func() {
		defer c.d.wg.Done()
		defer c.wg.Done()
		defer c.d.limiter.Release(1)
		c.finish(m, c.d.handle(ctx, m))
	}()
	return nil
}

func (c *Claim) finish(m *message.Message, err error) {
	switch {
	case err == nil:
		if _, err := c.ledger.Resolve(m.Offset); err != nil {
			logging.L().Error("partition halted", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	case errors.Is(err, message.ErrAbandoned):
		logging.L().Debug("message abandoned", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
	default:
		c.ledger.Halt(fmt.Errorf("%s: %w", m, err))
		logging.L().Error("partition halted", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
	}
}

// Wait blocks until every message dispatched on this claim has finished.
func (c *Claim) Wait() { c.wg.Wait() }

// Close waits for in-flight messages and releases the partition.
func (c *Claim) Close() {
	c.wg.Wait()
	c.d.coord.Close(c.ledger)
}
