// Package message holds the record that travels from a source adapter
// through the processing stages to a sink.
package message

import (
	"errors"
	"fmt"
	"time"
)

// ErrAbandoned is returned by handlers that stopped working on a message
// because shutdown began. The offset of an abandoned message is never
// committed, so the broker redelivers it after restart.
var ErrAbandoned = errors.New("message abandoned at shutdown")

// Message is one broker record. Everything except Attempts and Route is
// fixed once the source adapter has read it. Attempts is written by the stage
// runner; Route by processors that pick the downstream topic themselves.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte // nil when the record had no key
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time // ingestion time

	Attempts int
	Route    string // downstream topic; empty keeps the sink's default
}

// WithValue returns a copy of m carrying v as payload. Stages use it to hand
// their output to the next stage without touching the original record.
func (m *Message) WithValue(v []byte) *Message {
	cp := *m
	cp.Value = v
	cp.Attempts = 0
	return &cp
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d]@%d", m.Topic, m.Partition, m.Offset)
}
