// Package source defines how records enter the processor. Drivers read from
// a broker and hand each record to a Claim; the Dispatcher runs the handler,
// bounds concurrency, and tells the driver which offsets may be committed.
package source

import (
	"context"
	"fmt"
	"sort"
)

// Adapter is implemented by every broker driver.
//
// Run consumes until ctx is done or a fatal error occurs. For every
// partition it is assigned it opens a Claim on d and dispatches records in
// offset order; the commit callback it passes is invoked only with offsets
// whose every predecessor has reached a terminal outcome.
type Adapter interface {
	Configure(any) error
	Run(ctx context.Context, d *Dispatcher) error
	Close() error
}

// Factory builds an Adapter (e.g. the sarama or memory driver).
type Factory func() Adapter

var registry = map[string]Factory{}

// Register is called from each driver's init().
func Register(name string, f Factory) {
	registry[name] = f
}

// NewAdapter returns a driver by name ("sarama", "memory", ...).
func NewAdapter(name string) (Adapter, error) {
	if f, ok := registry[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("source: unsupported driver %q (have %v)", name, Drivers())
}

func Drivers() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
