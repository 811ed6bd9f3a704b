package sink

import "fmt"

// DeliveryError is the cause recorded when a successfully processed message
// could not be delivered and was dead-lettered instead.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("sink %s: delivery failed: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PermanentError marks a record the sink will never accept, e.g. one that
// exceeds the broker's size limit. Retrying it is pointless.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string   { return "permanent delivery error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retriable() bool { return false }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
