package transform

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shchae04/kafka-basic/internal/message"
)

// Processor transforms one message into the payload delivered downstream.
// It is called once per attempt and must be idempotent or free of side
// effects on failure: a message can be processed again after a retry or a
// restart.
type Processor interface {
	Process(ctx context.Context, m *message.Message) ([]byte, error)
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, m *message.Message) ([]byte, error)

func (f Func) Process(ctx context.Context, m *message.Message) ([]byte, error) { return f(ctx, m) }

// ErrFiltered is returned by processors that drop a message on purpose. The
// message is not delivered anywhere and its offset is committed.
var ErrFiltered = errors.New("message filtered")

// PermanentError marks a failure that will not go away on retry, such as a
// malformed payload. The message goes straight to the dead-letter sink.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent processing error"
	}
	return "permanent processing error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retriable() bool { return false }

// RetriableError marks a transient failure, e.g. a dependency timing out.
type RetriableError struct{ Err error }

func (e *RetriableError) Error() string {
	if e == nil || e.Err == nil {
		return "retriable processing error"
	}
	return "retriable processing error: " + e.Err.Error()
}

func (e *RetriableError) Unwrap() error   { return e.Err }
func (e *RetriableError) Retriable() bool { return true }

// Permanent wraps err as a PermanentError. It returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retriable wraps err as a RetriableError. It returns nil for nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// Classifier reports whether err may be retried.
type Classifier func(error) bool

// Classify is the default classifier. Explicit markers win; timeouts and
// transient gRPC codes are retriable; validation-type gRPC codes are not;
// anything unrecognised is retried.
func Classify(err error) bool {
	if err == nil || errors.Is(err, ErrFiltered) {
		return false
	}
	var marked interface{ Retriable() bool }
	if errors.As(err, &marked) {
		return marked.Retriable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange,
			codes.Unimplemented, codes.PermissionDenied, codes.NotFound,
			codes.AlreadyExists, codes.Unauthenticated:
			return false
		}
	}
	return true
}

// IsPermanent is the negation of Classify for non-nil errors.
func IsPermanent(err error) bool { return err != nil && !Classify(err) }
