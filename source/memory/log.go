// Package memory is an in-process partitioned log and the source driver that
// consumes it. Committed offsets live in the log, so a new driver on the same
// log resumes where the previous one stopped, as a consumer group would.
package memory

import (
	"sync"
	"time"

	"github.com/shchae04/kafka-basic/internal/message"
)

type Log struct {
	topic string

	mu        sync.Mutex
	parts     [][]*message.Message
	committed []int64
	changed   chan struct{} // closed and replaced on every append
}

func NewLog(topic string, partitions int) *Log {
	if partitions <= 0 {
		partitions = 1
	}
	l := &Log{
		topic:     topic,
		parts:     make([][]*message.Message, partitions),
		committed: make([]int64, partitions),
		changed:   make(chan struct{}),
	}
	for i := range l.committed {
		l.committed[i] = -1
	}
	return l
}

func (l *Log) Topic() string   { return l.topic }
func (l *Log) Partitions() int { return len(l.parts) }

// Append adds a record to partition p and returns its offset.
func (l *Log) Append(p int32, key, value []byte, headers map[string][]byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	off := int64(len(l.parts[p]))
	l.parts[p] = append(l.parts[p], &message.Message{
		Topic:     l.topic,
		Partition: p,
		Offset:    off,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	})
	close(l.changed)
	l.changed = make(chan struct{})
	return off
}

// read returns a copy of the record at off, or nil and a channel closed on
// the next append.
func (l *Log) read(p int32, off int64) (*message.Message, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if off < int64(len(l.parts[p])) {
		cp := *l.parts[p][off]
		return &cp, nil
	}
	return nil, l.changed
}

func (l *Log) HighWater(p int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.parts[p]))
}

func (l *Log) Committed(p int32) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[p]
}

func (l *Log) commit(p int32, off int64) error {
	l.mu.Lock()
	if off > l.committed[p] {
		l.committed[p] = off
	}
	l.mu.Unlock()
	return nil
}
