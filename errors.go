package q

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrQueueTerminated is returned by Queue.Post after the queue's
	// scheduler has begun terminating.
	ErrQueueTerminated = errors.New("q: queue has been terminated")

	// ErrSchedulerTerminated is returned when operations are attempted on a
	// scheduler that has been terminated.
	ErrSchedulerTerminated = errors.New("q: scheduler has been terminated")

	// ErrChannelClosed rejects reads on a cleanly closed, drained channel,
	// and is returned by writes to a closed channel.
	ErrChannelClosed = errors.New("q: channel closed")

	// ErrPromiseSettled indicates a second resolve or reject on the same
	// deferred. This is a logic error; it is logged and the second settle is
	// dropped.
	ErrPromiseSettled = errors.New("q: promise already settled")

	// ErrCanceled rejects promises whose dispatcher was terminated before
	// they could settle, and stands in for a nil error passed to
	// Deferred.Reject. Scheduler termination does not reject promises: a
	// continuation whose task is discarded never runs, and its promise
	// stays pending.
	ErrCanceled = errors.New("q: canceled")
)

// TypeError rejects a promise chain when a continuation's signature cannot
// be bound to the tuple carried by its antecedent.
type TypeError struct {
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "q: type error"
	}
	return e.Message
}

// PanicError wraps a value recovered from a panicking continuation, so the
// panic propagates down the promise chain as a rejection rather than
// unwinding the worker.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("q: continuation panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling use with [errors.Is] and [errors.As] through the cause chain.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
