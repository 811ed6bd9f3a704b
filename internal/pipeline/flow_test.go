package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/internal/retry"
	"github.com/shchae04/kafka-basic/internal/transform"
	"github.com/shchae04/kafka-basic/source/memory"
)

// mixed fails according to the value prefix: "perm" permanently, "flaky"
// on the first attempt only, "down" on every attempt.
var mixed = transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
	v := string(m.Value)
	switch {
	case strings.HasPrefix(v, "perm"):
		return nil, transform.Permanent(errors.New("bad record"))
	case strings.HasPrefix(v, "flaky") && m.Attempts == 1:
		return nil, transform.Retriable(errors.New("timeout"))
	case strings.HasPrefix(v, "down"):
		return nil, errors.New("unavailable")
	}
	return []byte(strings.ToUpper(v)), nil
})

func flowPolicy() Policy {
	return Policy{
		Retry:             retry.Config{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Breaker:           breaker.Config{FailureThreshold: 1000, OpenCooldown: time.Second},
		WorkerParallelism: 8,
		PartitionCapacity: 4,
	}
}

func TestRunner_EveryOffsetHasExactlyOneOutcome(t *testing.T) {
	log := memory.NewLog("orders", 3)
	kinds := []string{"ok", "perm", "flaky", "down"}
	for i := 0; i < 60; i++ {
		log.Append(int32(i%3), nil, []byte(fmt.Sprintf("%s-%d", kinds[i%len(kinds)], i)), nil)
	}

	r, cs, dlq := newTestRunner(t, flowPolicy())
	if err := r.AddTransformer("mixed", mixed); err != nil {
		t.Fatal(err)
	}
	r.SetSource(memory.New(log, true))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := map[string]int{}
	for _, e := range cs.all() {
		seen[e.Source.String()]++
		if !strings.HasPrefix(string(e.Value), "OK") && !strings.HasPrefix(string(e.Value), "FLAKY") {
			t.Fatalf("unexpected delivery %s", e.Value)
		}
	}
	for _, rec := range dlq.all() {
		seen[rec.Message.String()]++
	}
	if len(seen) != 60 {
		t.Fatalf("expected 60 distinct outcomes, got %d", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("%s has %d outcomes", k, n)
		}
	}
	if len(dlq.all()) != 30 {
		t.Fatalf("perm and down records should be dead-lettered, got %d", len(dlq.all()))
	}
	for p := int32(0); p < 3; p++ {
		if got := log.Committed(p); got != 19 {
			t.Fatalf("partition %d committed %d, want 19", p, got)
		}
	}
}

func TestRunner_RestartReplaysFromLastCommit(t *testing.T) {
	log := memory.NewLog("events", 1)
	for i := 0; i < 10; i++ {
		log.Append(0, nil, []byte(fmt.Sprintf("ok-%d", i)), nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := flowPolicy()
	p.PartitionCapacity = 1

	var calls atomic.Int32
	crashAt5 := transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
		calls.Add(1)
		if m.Offset == 5 {
			cancel()
		}
		return []byte(strings.ToUpper(string(m.Value))), nil
	})

	first, cs1, _ := newTestRunner(t, p)
	_ = first.AddTransformer("upper", crashAt5)
	first.SetSource(memory.New(log, false))
	if err := first.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if got := log.Committed(0); got != 4 {
		t.Fatalf("committed after crash = %d, want 4", got)
	}
	if n := len(cs1.all()); n != 5 {
		t.Fatalf("first run delivered %d, want 5", n)
	}

	second, cs2, _ := newTestRunner(t, p)
	_ = second.AddTransformer("upper", transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
		return []byte(strings.ToUpper(string(m.Value))), nil
	}))
	second.SetSource(memory.New(log, true))
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	got := cs2.all()
	if len(got) != 5 || got[0].Source.Offset != 5 || string(got[0].Value) != "OK-5" {
		t.Fatalf("replay should restart at offset 5, got %d deliveries starting at %v", len(got), got[0].Source)
	}
	if c := log.Committed(0); c != 9 {
		t.Fatalf("committed after replay = %d, want 9", c)
	}
}
