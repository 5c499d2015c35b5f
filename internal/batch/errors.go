package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrSkip marks an item as skipped rather than failed. Processors return it
	// directly or through Skip.
	ErrSkip = errors.New("item skipped")
	// ErrItemTimeout is recorded for items that exceed Options.Timeout.
	ErrItemTimeout = errors.New("item timed out")
	// ErrInvalidBatch is returned before any work when the batch is malformed.
	ErrInvalidBatch = errors.New("invalid batch")
	// ErrUnknownBatch is returned for control operations on a batch that is
	// not running.
	ErrUnknownBatch = errors.New("unknown batch")
	// ErrBatchRunning is returned when a batch id is already being processed.
	ErrBatchRunning = errors.New("batch already running")
	// ErrBatchFinished is returned when a batch already left the queued state.
	ErrBatchFinished = errors.New("batch already finished")
)

type skipError struct{ reason string }

func (e *skipError) Error() string        { return "skipped: " + e.reason }
func (e *skipError) Is(target error) bool { return target == ErrSkip }

// Skip returns an error that marks the item as skipped with a reason.
func Skip(reason string) error { return &skipError{reason: reason} }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the item fails without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PanicError is recorded when a processor panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("processor panic: %v", e.Value) }
