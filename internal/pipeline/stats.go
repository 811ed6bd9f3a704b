package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/shchae04/kafka-basic/internal/breaker"
	"github.com/shchae04/kafka-basic/internal/retry"
)

// stageStats counts what happened inside one stage. It is the retry
// engine's observer for that stage.
type stageStats struct {
	messages   atomic.Uint64 // messages that entered the stage
	succeeded  atomic.Uint64
	failed     atomic.Uint64 // terminal failures
	abandoned  atomic.Uint64
	attempts   atomic.Uint64
	attemptErr atomic.Uint64
	retries    atomic.Uint64
	rejections atomic.Uint64
	backoffNS  atomic.Int64
}

var _ retry.Observer = (*stageStats)(nil)

func (s *stageStats) Attempted(_ int, err error) {
	s.attempts.Add(1)
	if err != nil {
		s.attemptErr.Add(1)
	}
}

func (s *stageStats) BackedOff(d time.Duration) {
	s.retries.Add(1)
	s.backoffNS.Add(int64(d))
}

func (s *stageStats) Rejected(time.Duration) { s.rejections.Add(1) }

func (s *stageStats) finish(rep retry.Report) {
	switch {
	case rep.Succeeded():
		s.succeeded.Add(1)
	case rep.Interrupted():
		s.abandoned.Add(1)
	default:
		s.failed.Add(1)
	}
}

// StageStatus is a read-only view of one stage.
type StageStatus struct {
	Name            string
	Breaker         breaker.Snapshot
	Messages        uint64
	Succeeded       uint64
	Failed          uint64
	Abandoned       uint64
	Attempts        uint64
	AttemptFailures uint64
	Retries         uint64
	Rejections      uint64
	Backoff         time.Duration // total time spent backing off
}

func (s *stageStats) status(name string, b *breaker.Breaker) StageStatus {
	st := StageStatus{
		Name:            name,
		Messages:        s.messages.Load(),
		Succeeded:       s.succeeded.Load(),
		Failed:          s.failed.Load(),
		Abandoned:       s.abandoned.Load(),
		Attempts:        s.attempts.Load(),
		AttemptFailures: s.attemptErr.Load(),
		Retries:         s.retries.Load(),
		Rejections:      s.rejections.Load(),
		Backoff:         time.Duration(s.backoffNS.Load()),
	}
	if b != nil {
		st.Breaker = b.Snapshot()
	}
	return st
}
