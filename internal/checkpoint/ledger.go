// Package checkpoint keeps per-partition offset ledgers and decides when an
// offset may be committed back to the broker.
//
// Messages of a partition may resolve in any order, but commits always move
// forward in offset order: the commit pointer only advances across a
// contiguous run of resolved offsets starting at the lowest tracked one.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CommitFunc persists offset as the last fully handled offset of a
// partition. It is called with strictly increasing offsets.
type CommitFunc func(offset int64) error

type entry struct {
	offset   int64
	resolved bool
}

// Ledger tracks in-flight offsets of one partition.
type Ledger struct {
	topic     string
	partition int32
	capacity  int
	commit    CommitFunc

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []*entry // tracked, not yet committed, in offset order
	index       map[int64]*entry
	committed   int64 // last committed offset, -1 when nothing was committed yet
	lastTracked int64
	highWater   int64 // next offset the broker will write, -1 if unknown
	commits     uint64
	err         error
}

// NewLedger returns a ledger resuming after committed (-1 for none).
// capacity bounds the number of unresolved offsets; Track blocks beyond it.
func NewLedger(topic string, partition int32, committed int64, capacity int, commit CommitFunc) *Ledger {
	if capacity <= 0 {
		capacity = 1
	}
	if commit == nil {
		commit = func(int64) error { return nil }
	}
	l := &Ledger{
		topic:       topic,
		partition:   partition,
		capacity:    capacity,
		commit:      commit,
		index:       map[int64]*entry{},
		committed:   committed,
		lastTracked: committed,
		highWater:   -1,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Track registers offset as in flight. Offsets must be tracked in strictly
// increasing order. Track blocks while the ledger is at capacity.
func (l *Ledger) Track(ctx context.Context, offset int64) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.err == nil && len(l.pending) >= l.capacity {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	if l.err != nil {
		return l.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if offset <= l.lastTracked {
		return l.haltLocked(l.violation(offset, fmt.Sprintf("tracked after %d", l.lastTracked)))
	}
	e := &entry{offset: offset}
	l.pending = append(l.pending, e)
	l.index[offset] = e
	l.lastTracked = offset
	return nil
}

// Resolve marks offset as having reached its terminal outcome and commits
// as far as the contiguous resolved prefix allows. It returns the committed
// offset after the call. A failed commit halts the ledger.
func (l *Ledger) Resolve(offset int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.committed, l.err
	}
	e, ok := l.index[offset]
	if !ok {
		return l.committed, l.haltLocked(l.violation(offset, "resolved but never tracked"))
	}
	if e.resolved {
		return l.committed, l.haltLocked(l.violation(offset, "resolved twice"))
	}
	e.resolved = true

	n := 0
	for n < len(l.pending) && l.pending[n].resolved {
		n++
	}
	if n == 0 {
		return l.committed, nil
	}
	next := l.pending[n-1].offset
	if next <= l.committed {
		return l.committed, l.haltLocked(l.violation(next, fmt.Sprintf("commit would move back from %d", l.committed)))
	}
	if err := l.commit(next); err != nil {
		// resolved entries would otherwise hold capacity forever
		return l.committed, l.haltLocked(fmt.Errorf("commit %s[%d]@%d: %w", l.topic, l.partition, next, err))
	}
	for _, done := range l.pending[:n] {
		delete(l.index, done.offset)
	}
	l.pending = append(l.pending[:0], l.pending[n:]...)
	l.committed = next
	l.commits++
	l.cond.Broadcast()
	return l.committed, nil
}

// Halt stops the ledger. Every later call returns err and nothing else is
// committed.
func (l *Ledger) Halt(err error) {
	l.mu.Lock()
	l.haltLocked(err)
	l.mu.Unlock()
}

// Err returns the error that halted the ledger, if any.
func (l *Ledger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// ObserveHighWater records the broker's high-water mark (next offset to be
// produced) for lag reporting.
func (l *Ledger) ObserveHighWater(hwm int64) {
	l.mu.Lock()
	if hwm > l.highWater {
		l.highWater = hwm
	}
	l.mu.Unlock()
}

// must be called with l.mu held
func (l *Ledger) haltLocked(err error) error {
	if l.err == nil {
		l.err = err
	}
	l.cond.Broadcast()
	return l.err
}

func (l *Ledger) violation(offset int64, reason string) error {
	return &OrderViolationError{Topic: l.topic, Partition: l.partition, Offset: offset, Reason: reason}
}

// PartitionStatus is a read-only view of a ledger.
type PartitionStatus struct {
	Topic       string
	Partition   int32
	Committed   int64
	LastTracked int64
	Pending     int
	HighWater   int64
	Lag         int64 // messages between the commit pointer and the broker head
	Commits     uint64
	Halted      bool
	Err         string
}

func (l *Ledger) Status() PartitionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	head := l.lastTracked + 1
	if l.highWater > head {
		head = l.highWater
	}
	st := PartitionStatus{
		Topic:       l.topic,
		Partition:   l.partition,
		Committed:   l.committed,
		LastTracked: l.lastTracked,
		Pending:     len(l.pending),
		HighWater:   l.highWater,
		Lag:         head - (l.committed + 1),
		Commits:     l.commits,
		Halted:      l.err != nil,
	}
	if l.err != nil {
		st.Err = l.err.Error()
	}
	return st
}

// ErrOrderViolation is matched by every *OrderViolationError.
var ErrOrderViolation = errors.New("commit order violation")

// OrderViolationError reports a broken ledger invariant. It is fatal for the
// partition: continuing could commit past an unhandled message.
type OrderViolationError struct {
	Topic     string
	Partition int32
	Offset    int64
	Reason    string
}

func (e *OrderViolationError) Error() string {
	return fmt.Sprintf("commit order violation on %s[%d]@%d: %s", e.Topic, e.Partition, e.Offset, e.Reason)
}

func (e *OrderViolationError) Is(target error) bool { return target == ErrOrderViolation }
