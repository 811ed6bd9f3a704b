// Package sink defines where processed messages go: the downstream system
// for successes and, through internal/deadletter, the dead-letter path for
// failures.
package sink

import (
	"context"
	"fmt"

	"github.com/shchae04/kafka-basic/internal/message"
)

// AnyPartition lets the sink pick the partition.
const AnyPartition int32 = -1

// Envelope is one record handed to a sink. Routed marks a Topic chosen by a
// processor, which takes precedence over a sink's configured topic.
type Envelope struct {
	Topic     string
	Routed    bool
	Partition int32
	Key       []byte
	Value     []byte
	Headers   map[string][]byte

	Source *message.Message // record the envelope was derived from
}

// FromMessage builds the downstream envelope for m carrying value.
func FromMessage(m *message.Message, value []byte) *Envelope {
	return &Envelope{
		Topic:     m.Topic,
		Partition: AnyPartition,
		Key:       m.Key,
		Value:     value,
		Headers:   m.Headers,
		Source:    m,
	}
}

// Adapter is the common behaviour every sink exposes.
//
// Deliver must be safe for concurrent use; it is called from one goroutine
// per in-flight message. Delivery may be repeated after a failure, so the
// downstream must tolerate duplicates.
type Adapter interface {
	Configure(any) error // driver-specific config struct
	Deliver(context.Context, *Envelope) error
	Close() error // idempotent
}

/*──────── registry ───────*/

type Factory = func() Adapter

var reg = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
