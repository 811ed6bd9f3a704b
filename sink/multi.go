package sink

import (
	"context"
	"errors"
	"fmt"
)

// Multi fans every envelope out to several sinks. A failed delivery is
// retried against all of them, so sinks that already accepted the envelope
// see it again.
type Multi struct {
	names []string
	sinks []Adapter
}

func NewMulti() *Multi { return &Multi{} }

func (m *Multi) Add(name string, a Adapter) {
	m.names = append(m.names, name)
	m.sinks = append(m.sinks, a)
}

func (m *Multi) Len() int { return len(m.sinks) }

// Configure is a no-op; members are configured before they are added.
func (m *Multi) Configure(any) error { return nil }

func (m *Multi) Deliver(ctx context.Context, e *Envelope) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Deliver(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}
