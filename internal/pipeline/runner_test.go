package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/deadletter"
	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/internal/retry"
	"github.com/shchae04/kafka-basic/internal/transform"
	"github.com/shchae04/kafka-basic/sink"
)

type captureSink struct {
	mu     sync.Mutex
	pushed []*sink.Envelope
	fail   func(*sink.Envelope) error
}

func (c *captureSink) Configure(any) error { return nil }
func (c *captureSink) Deliver(_ context.Context, e *sink.Envelope) error {
	if c.fail != nil {
		if err := c.fail(e); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.pushed = append(c.pushed, e)
	c.mu.Unlock()
	return nil
}
func (c *captureSink) Close() error { return nil }
func (c *captureSink) all() []*sink.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sink.Envelope(nil), c.pushed...)
}

type captureDLQ struct {
	mu   sync.Mutex
	recs []deadletter.Record
	fail error
}

func (c *captureDLQ) Write(_ context.Context, r deadletter.Record) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
	return nil
}
func (c *captureDLQ) all() []deadletter.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]deadletter.Record(nil), c.recs...)
}

type outcomes struct {
	mu  sync.Mutex
	got map[int64][]Outcome
}

func (o *outcomes) Observe(m *message.Message, out Outcome, _ error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.got == nil {
		o.got = map[int64][]Outcome{}
	}
	o.got[m.Offset] = append(o.got[m.Offset], out)
}

func fastPolicy() Policy {
	return Policy{
		Retry:             retry.Config{MaxRetries: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Breaker:           breaker.Config{FailureThreshold: 100, OpenCooldown: time.Second},
		WorkerParallelism: 4,
		PartitionCapacity: 1,
	}
}

func newTestRunner(t *testing.T, p Policy, opts ...Option) (*Runner, *captureSink, *captureDLQ) {
	t.Helper()
	r := NewRunner(p, opts...)
	cs, dlq := &captureSink{}, &captureDLQ{}
	r.SetSink("capture", cs)
	r.SetDeadLetter(dlq)
	return r, cs, dlq
}

func makeMessage(off int64, v string) *message.Message {
	return &message.Message{Topic: "t", Partition: 1, Offset: off, Value: []byte(v)}
}

func TestRunner_StagesChainAndDeliver(t *testing.T) {
	obs := &outcomes{}
	r, cs, dlq := newTestRunner(t, fastPolicy(), WithObserver(obs))
	upper, _ := transform.Builtin("uppercase")
	if err := r.AddTransformer("upper", upper); err != nil {
		t.Fatal(err)
	}
	if err := r.AddTransformer("suffix", transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
		return append(bytes.Clone(m.Value), '!'), nil
	})); err != nil {
		t.Fatal(err)
	}

	if err := r.Handle(context.Background(), makeMessage(42, "hello")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	pushed := cs.all()
	if len(pushed) != 1 || string(pushed[0].Value) != "HELLO!" {
		t.Fatalf("unexpected deliveries: %+v", pushed)
	}
	if pushed[0].Topic != "t" || pushed[0].Source.Offset != 42 {
		t.Fatalf("envelope lost its origin: %+v", pushed[0])
	}
	if len(dlq.all()) != 0 {
		t.Fatal("nothing should be dead-lettered")
	}
	if got := obs.got[42]; len(got) != 1 || got[0] != OutcomeDelivered {
		t.Fatalf("outcomes for 42: %v", got)
	}
}

func TestRunner_RetriableThenOK(t *testing.T) {
	r, cs, _ := newTestRunner(t, fastPolicy())
	var seen []int
	_ = r.AddTransformer("flaky", transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
		seen = append(seen, m.Attempts)
		if m.Attempts < 3 {
			return nil, transform.Retriable(errors.New("timeout"))
		}
		return m.Value, nil
	}))

	if err := r.Handle(context.Background(), makeMessage(1, "x")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Fatalf("attempt numbers: %v", seen)
	}
	if len(cs.all()) != 1 {
		t.Fatalf("expected 1 delivery after retries, got %d", len(cs.all()))
	}
}

func TestRunner_PermanentFailureDeadLettersAfterOneAttempt(t *testing.T) {
	r, cs, dlq := newTestRunner(t, fastPolicy())
	var calls int32
	_ = r.AddTransformer("parse", transform.Func(func(context.Context, *message.Message) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, transform.Permanent(errors.New("malformed"))
	}))

	start := time.Now()
	if err := r.Handle(context.Background(), makeMessage(7, "{")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
	recs := dlq.all()
	if len(recs) != 1 || recs[0].Stage != "parse" || len(recs[0].Attempts) != 1 {
		t.Fatalf("unexpected dead-letter records: %+v", recs)
	}
	if len(cs.all()) != 0 {
		t.Fatal("a dead-lettered message must not be delivered")
	}
	if st := r.Snapshot()[0]; st.Retries != 0 || st.Backoff != 0 {
		t.Fatalf("permanent failures must not back off: %+v", st)
	}
	if time.Since(start) > time.Second {
		t.Fatal("permanent failure took too long")
	}
}

func TestRunner_ExhaustedRetriesDeadLetter(t *testing.T) {
	r, _, dlq := newTestRunner(t, fastPolicy())
	var calls int32
	_ = r.AddTransformer("down", transform.Func(func(context.Context, *message.Message) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	}))

	if err := r.Handle(context.Background(), makeMessage(3, "x")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected max_retries+1 = 4 attempts, got %d", calls)
	}
	recs := dlq.all()
	if len(recs) != 1 || !errors.Is(recs[0].Err, retry.ErrExhausted) {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestRunner_OpenBreakerStopsCallingStage(t *testing.T) {
	p := fastPolicy()
	p.Breaker = breaker.Config{FailureThreshold: 3, OpenCooldown: time.Minute}
	p.Retry.MaxRetries = 10
	p.Retry.Deadline = 500 * time.Millisecond
	r, _, dlq := newTestRunner(t, p)

	var calls int32
	_ = r.AddTransformer("x", transform.Func(func(context.Context, *message.Message) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("dependency down")
	}))

	if err := r.Handle(context.Background(), makeMessage(1, "v")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 3 {
		t.Fatalf("breaker should block the 4th attempt, got %d calls", calls)
	}
	recs := dlq.all()
	if len(recs) != 1 || !errors.Is(recs[0].Err, breaker.ErrOpen) {
		t.Fatalf("expected dead-letter caused by open circuit, got %+v", recs)
	}
	if st := r.Snapshot()[0]; st.Breaker.State != breaker.Open || st.Rejections != 1 {
		t.Fatalf("unexpected stage status: %+v", st)
	}
}

func TestRunner_SinkFailureDeadLettersWithDeliveryError(t *testing.T) {
	r, cs, dlq := newTestRunner(t, fastPolicy())
	cs.fail = func(*sink.Envelope) error { return sink.Permanent(errors.New("record too large")) }

	if err := r.Handle(context.Background(), makeMessage(5, "big")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	recs := dlq.all()
	if len(recs) != 1 {
		t.Fatalf("expected one dead-letter record, got %d", len(recs))
	}
	var de *sink.DeliveryError
	if !errors.As(recs[0].Err, &de) || de.Sink != "capture" || recs[0].Stage != SinkStage {
		t.Fatalf("expected a sink delivery error, got %v (stage %s)", recs[0].Err, recs[0].Stage)
	}
}

func TestRunner_DeadLetterFailureIsFatal(t *testing.T) {
	r, _, dlq := newTestRunner(t, fastPolicy())
	dlq.fail = errors.New("dlq unavailable")
	_ = r.AddTransformer("bad", transform.Func(func(context.Context, *message.Message) ([]byte, error) {
		return nil, transform.Permanent(errors.New("invalid"))
	}))

	err := r.Handle(context.Background(), makeMessage(9, "v"))
	if !errors.Is(err, ErrDeadLetterFailed) {
		t.Fatalf("expected ErrDeadLetterFailed, got %v", err)
	}
	if errors.Is(err, message.ErrAbandoned) {
		t.Fatal("a failed dead-letter write is not an abandonment")
	}
}

func TestRunner_ShutdownAbandons(t *testing.T) {
	r, cs, dlq := newTestRunner(t, fastPolicy())
	_ = r.AddTransformer("noop", transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
		return m.Value, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Handle(ctx, makeMessage(1, "v")); !errors.Is(err, message.ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	if len(cs.all())+len(dlq.all()) != 0 {
		t.Fatal("an abandoned message has no outcome")
	}
}

func TestRunner_PanicIsPermanent(t *testing.T) {
	r, _, dlq := newTestRunner(t, fastPolicy())
	var calls int32
	_ = r.AddTransformer("boom", transform.Func(func(context.Context, *message.Message) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		panic("nil map")
	}))

	if err := r.Handle(context.Background(), makeMessage(1, "v")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if calls != 1 || len(dlq.all()) != 1 {
		t.Fatalf("calls=%d dead-letters=%d", calls, len(dlq.all()))
	}
}

func TestRunner_AddTransformerRejectsReservedAndDuplicateNames(t *testing.T) {
	r := NewRunner(fastPolicy())
	p := transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) { return m.Value, nil })
	for _, name := range []string{"", SinkStage, DeadLetterStage} {
		if err := r.AddTransformer(name, p); err == nil {
			t.Fatalf("name %q accepted", name)
		}
	}
	if err := r.AddTransformer("a", p); err != nil {
		t.Fatal(err)
	}
	if err := r.AddTransformer("a", p); err == nil {
		t.Fatal("duplicate accepted")
	}
}

func TestRunner_RequiresSinkAndDeadLetter(t *testing.T) {
	r := NewRunner(fastPolicy())
	if err := r.Handle(context.Background(), makeMessage(0, "v")); err == nil {
		t.Fatal("expected error without sinks")
	}
	r.SetSink("capture", &captureSink{})
	r.SetDeadLetter(&captureDLQ{})
	if err := r.Handle(context.Background(), makeMessage(0, "v")); err != nil {
		t.Fatalf("Handle after configuration: %v", err)
	}
}

func TestRunner_SnapshotListsStagesThenRouter(t *testing.T) {
	r, _, _ := newTestRunner(t, fastPolicy())
	_ = r.AddTransformer("a", transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) { return m.Value, nil }))
	_ = r.Handle(context.Background(), makeMessage(0, "v"))

	snap := r.Snapshot()
	var names []string
	for _, s := range snap {
		names = append(names, s.Name)
	}
	if fmt.Sprint(names) != "[a sink dead-letter]" {
		t.Fatalf("snapshot order: %v", names)
	}
	if snap[0].Succeeded != 1 || snap[1].Succeeded != 1 || snap[2].Messages != 0 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestRunner_FilteredMessageEndsChainWithoutWrites(t *testing.T) {
	obs := &outcomes{}
	r, cs, dlq := newTestRunner(t, fastPolicy(), WithObserver(obs))
	notify, _ := transform.Builtin("notification")
	_ = r.AddTransformer("notify", notify)
	var after int32
	_ = r.AddTransformer("after", transform.Func(func(_ context.Context, m *message.Message) ([]byte, error) {
		atomic.AddInt32(&after, 1)
		return m.Value, nil
	}))

	if err := r.Handle(context.Background(), makeMessage(10, `{"priority":2}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle(context.Background(), makeMessage(11, `{"priority":9}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := obs.got[10]; len(got) != 1 || got[0] != OutcomeFiltered {
		t.Fatalf("outcomes for 10: %v", got)
	}
	if got := obs.got[11]; len(got) != 1 || got[0] != OutcomeDelivered {
		t.Fatalf("outcomes for 11: %v", got)
	}
	if after != 1 {
		t.Fatalf("stage after the filter ran %d times", after)
	}
	if len(cs.all()) != 1 || len(dlq.all()) != 0 {
		t.Fatalf("want one delivery and no dead letters, got %d and %d", len(cs.all()), len(dlq.all()))
	}
	if st := r.Snapshot()[0]; st.Breaker.State != breaker.Closed || st.Failed != 0 || st.Retries != 0 {
		t.Fatalf("filtering must not count against the stage: %+v", st)
	}
}

func TestRunner_ProcessorRouteReachesSink(t *testing.T) {
	r, cs, _ := newTestRunner(t, fastPolicy())
	tiers, _ := transform.Builtin("txfilter")
	_ = r.AddTransformer("tiers", tiers)
	upper, _ := transform.Builtin("uppercase")
	_ = r.AddTransformer("upper", upper)

	for i, v := range []string{`{"amount":1500000}`, `{"amount":20}`} {
		if err := r.Handle(context.Background(), makeMessage(int64(i), v)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	pushed := cs.all()
	if len(pushed) != 2 {
		t.Fatalf("want 2 deliveries, got %d", len(pushed))
	}
	if pushed[0].Topic != transform.HighAmountTopic || !pushed[0].Routed {
		t.Fatalf("route lost across stages: %+v", pushed[0])
	}
	if pushed[1].Topic != transform.LowAmountTopic {
		t.Fatalf("second message routed to %q", pushed[1].Topic)
	}
}
