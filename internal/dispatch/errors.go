package dispatch

import "fmt"

// Kind classifies a terminal dispatch failure.
type Kind string

const (
	// KindThrottled marks a failure after exhausting backoff retries on
	// provider throttling signals.
	KindThrottled Kind = "throttled"

	// KindRejected marks a permanent provider rejection, e.g. a
	// malformed address.
	KindRejected Kind = "rejected"

	// KindTransient marks a failure after exhausting retries on
	// transient infrastructure faults.
	KindTransient Kind = "transient"
)

// Error is a typed terminal dispatch failure for one row. The batch
// loop records it on the row and continues; it never aborts a batch.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
