// Package deadletter records messages that could not be processed or
// delivered, together with why and how often they were tried.
package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shchae04/kafka-basic/internal/message"
	"github.com/shchae04/kafka-basic/sink"
)

// DefaultSuffix is appended to the source topic to name its dead-letter topic.
const DefaultSuffix = ".DLQ"

// Header keys set on every dead-lettered record.
const (
	HeaderID                = "dlq_id"
	HeaderError             = "error_message"
	HeaderStage             = "failed_stage"
	HeaderOriginalTopic     = "original_topic"
	HeaderOriginalPartition = "original_partition"
	HeaderOriginalOffset    = "original_offset"
	HeaderAttempts          = "retry_attempts"
	HeaderFailedAt          = "failed_at"
	HeaderHistory           = "attempt_history"
)

// Attempt is one entry of a record's attempt history.
type Attempt struct {
	Stage   string        `json:"stage"`
	Number  int           `json:"number"`
	Err     string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Record is immutable once written.
type Record struct {
	ID       uuid.UUID
	Message  *message.Message // as read from the source, before any stage ran
	Stage    string           // stage that produced the terminal failure
	Err      error
	Attempts []Attempt
	FailedAt time.Time
}

func NewRecord(m *message.Message, stage string, err error, attempts []Attempt, at time.Time) Record {
	return Record{
		ID:       uuid.New(),
		Message:  m,
		Stage:    stage,
		Err:      err,
		Attempts: append([]Attempt(nil), attempts...),
		FailedAt: at,
	}
}

// Writer persists dead-letter records. A nil error means the record is
// durable and the source offset may be committed.
type Writer interface {
	Write(ctx context.Context, r Record) error
}

type WriterFunc func(ctx context.Context, r Record) error

func (f WriterFunc) Write(ctx context.Context, r Record) error { return f(ctx, r) }

// Topic names the dead-letter topic of src.
func Topic(src, suffix string) string {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return src + suffix
}

// SinkWriter writes records through a sink, on the source's dead-letter
// topic and the source partition.
type SinkWriter struct {
	sink   sink.Adapter
	suffix string
}

func NewSinkWriter(a sink.Adapter, suffix string) *SinkWriter {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &SinkWriter{sink: a, suffix: suffix}
}

func (w *SinkWriter) Write(ctx context.Context, r Record) error {
	env, err := w.Envelope(r)
	if err != nil {
		return err
	}
	return w.sink.Deliver(ctx, env)
}

// Envelope maps r onto the record written to the dead-letter topic: the
// original key and payload, the original headers, and failure metadata.
func (w *SinkWriter) Envelope(r Record) (*sink.Envelope, error) {
	m := r.Message
	if m == nil {
		return nil, fmt.Errorf("deadletter: record %s has no message", r.ID)
	}
	history, err := json.Marshal(r.Attempts)
	if err != nil {
		return nil, fmt.Errorf("deadletter: encode history: %w", err)
	}

	h := make(map[string][]byte, len(m.Headers)+9)
	for k, v := range m.Headers {
		h[k] = v
	}
	errMsg := ""
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	h[HeaderID] = []byte(r.ID.String())
	h[HeaderError] = []byte(errMsg)
	h[HeaderStage] = []byte(r.Stage)
	h[HeaderOriginalTopic] = []byte(m.Topic)
	h[HeaderOriginalPartition] = []byte(strconv.FormatInt(int64(m.Partition), 10))
	h[HeaderOriginalOffset] = []byte(strconv.FormatInt(m.Offset, 10))
	h[HeaderAttempts] = []byte(strconv.Itoa(len(r.Attempts)))
	h[HeaderFailedAt] = []byte(r.FailedAt.UTC().Format(time.RFC3339Nano))
	h[HeaderHistory] = history

	return &sink.Envelope{
		Topic:     Topic(m.Topic, w.suffix),
		Partition: m.Partition,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   h,
		Source:    m,
	}, nil
}

func (w *SinkWriter) Close() error { return w.sink.Close() }
