package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/deadletter"
	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/internal/retry"
	"github.com/shchae04/kafka-basic/internal/transform"
	"github.com/shchae04/kafka-basic/sink"
)

// Stage names used by the router for its own breakers and stats.
const (
	SinkStage       = "sink"
	DeadLetterStage = "dead-letter"
)

// ErrDeadLetterFailed wraps a dead-letter write that failed for good. The
// message's offset must not be committed.
var ErrDeadLetterFailed = errors.New("dead-letter write failed")

type Outcome int

const (
	OutcomeDelivered Outcome = iota + 1
	OutcomeDeadLettered
	OutcomeFiltered // dropped by a stage on purpose; nothing is written
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeFiltered:
		return "filtered"
	default:
		return "unknown"
	}
}

// Terminal is what the stages produced for a message: an output on
// success, or the failing stage, its error and the attempts made so far.
// Filtered names the stage that dropped the message in Stage.
type Terminal struct {
	Output   []byte
	Route    string
	Filtered bool
	Err      error
	Stage    string
	Attempts []deadletter.Attempt
}

// Router sends every message that was not filtered to exactly one of the
// downstream sink or the dead-letter writer.
type Router struct {
	sinkName string
	sink     sink.Adapter
	dlq      deadletter.Writer
	now      func() time.Time

	sinkBreaker, dlqBreaker *breaker.Breaker
	sinkEngine, dlqEngine   *retry.Engine
	sinkStats, dlqStats     *stageStats
}

func newRouter(sinkName string, s sink.Adapter, w deadletter.Writer, breakers *breaker.Registry, policy retry.Config, opts []retry.Option, now func() time.Time) *Router {
	r := &Router{
		sinkName:    sinkName,
		sink:        s,
		dlq:         w,
		now:         now,
		sinkBreaker: breakers.Get(SinkStage),
		dlqBreaker:  breakers.Get(DeadLetterStage),
		sinkStats:   &stageStats{},
		dlqStats:    &stageStats{},
	}
	engine := func(st *stageStats) *retry.Engine {
		o := append([]retry.Option{}, opts...)
		o = append(o, retry.WithClassifier(retry.Classifier(transform.Classify)), retry.WithObserver(st))
		return retry.New(policy, o...)
	}
	r.sinkEngine = engine(r.sinkStats)
	r.dlqEngine = engine(r.dlqStats)
	return r
}

// Route delivers or dead-letters m. It returns message.ErrAbandoned when
// shutdown interrupted routing and an error wrapping ErrDeadLetterFailed
// when the dead-letter write could not be completed.
func (r *Router) Route(ctx context.Context, m *message.Message, t Terminal) (Outcome, error) {
	if t.Err == nil && t.Filtered {
		logging.L().Debug("message filtered", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "stage", t.Stage)
		return OutcomeFiltered, nil
	}
	if t.Err == nil {
		env := sink.FromMessage(m, t.Output)
		if t.Route != "" {
			env.Topic, env.Routed = t.Route, true
		}
		r.sinkStats.messages.Add(1)
		rep := r.sinkEngine.Do(ctx, r.sinkBreaker, func(actx context.Context, _ int) error {
			return r.sink.Deliver(actx, env)
		})
		r.sinkStats.finish(rep)
		if rep.Succeeded() {
			return OutcomeDelivered, nil
		}
		if rep.Interrupted() {
			return 0, errors.Join(message.ErrAbandoned, rep.Err)
		}
		t = Terminal{
			Err:      &sink.DeliveryError{Sink: r.sinkName, Err: rep.Err},
			Stage:    SinkStage,
			Attempts: append(t.Attempts, history(SinkStage, rep)...),
		}
	}

	rec := deadletter.NewRecord(m, t.Stage, t.Err, t.Attempts, r.now())
	r.dlqStats.messages.Add(1)
	rep := r.dlqEngine.Do(ctx, r.dlqBreaker, func(actx context.Context, _ int) error {
		return r.dlq.Write(actx, rec)
	})
	r.dlqStats.finish(rep)
	switch {
	case rep.Succeeded():
		logging.L().Warn("message dead-lettered",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset,
			"stage", t.Stage, "attempts", len(t.Attempts), "dlq_id", rec.ID, "err", t.Err)
		return OutcomeDeadLettered, nil
	case rep.Interrupted():
		return 0, errors.Join(message.ErrAbandoned, rep.Err)
	default:
		return 0, fmt.Errorf("%w for %s: %w", ErrDeadLetterFailed, m, rep.Err)
	}
}

func (r *Router) status() []StageStatus {
	return []StageStatus{
		r.sinkStats.status(SinkStage, r.sinkBreaker),
		r.dlqStats.status(DeadLetterStage, r.dlqBreaker),
	}
}
