package bus

import (
	"errors"
	"fmt"
)

// PermanentError marks a failure that can never succeed by retrying:
// malformed input, a missing required header, a referenced entity that
// structurally cannot exist. The router sends these straight to the
// dead-letter topic.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a dead-letter failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// TransientError marks a failure expected to resolve with time or
// reordering, e.g. an upstream message that has not been processed yet.
// Unclassified errors are treated as transient too; this wrapper only
// records intent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf is Transient(fmt.Errorf(...)).
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is classified as a dead-letter failure.
// Everything else, including unwrapped errors, retries.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
