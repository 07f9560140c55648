// Package syncerr classifies synchronization failures so that the queue layer
// and the batch endpoint can decide between acknowledging, retrying and
// dead-lettering a unit of work.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindNone means no error.
	KindNone Kind = iota
	// KindData marks payloads that cannot be transformed. Not retried.
	KindData
	// KindMapping marks a missing rule or an ambiguous target match. Handled as data.
	KindMapping
	// KindTechnical marks I/O failures, timeouts and lock acquisition failures. Retried.
	KindTechnical
	// KindFatal marks contract violations. Aborts immediately without retry.
	KindFatal
	// KindRetry is an explicit redelivery request that is not an error for alerting.
	KindRetry
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindData:
		return "data"
	case KindMapping:
		return "mapping"
	case KindTechnical:
		return "technical"
	case KindFatal:
		return "fatal"
	case KindRetry:
		return "retry"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsData reports whether the kind is handled as a data error.
func (k Kind) IsData() bool {
	return k == KindData || k == KindMapping
}

// Retryable reports whether the kind is redelivered by the queue layer.
func (k Kind) Retryable() bool {
	return k == KindTechnical || k == KindRetry
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...interface{}) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
}

// Dataf returns a data error.
func Dataf(format string, args ...interface{}) error { return newf(KindData, format, args...) }

// Mappingf returns a mapping error.
func Mappingf(format string, args ...interface{}) error { return newf(KindMapping, format, args...) }

// Technicalf returns a technical error.
func Technicalf(format string, args ...interface{}) error {
	return newf(KindTechnical, format, args...)
}

// Fatalf returns a fatal error.
func Fatalf(format string, args ...interface{}) error { return newf(KindFatal, format, args...) }

// Retryf asks the queue layer to redeliver the current item.
func Retryf(format string, args ...interface{}) error { return newf(KindRetry, format, args...) }

// Technical wraps err as a technical error unless it is already classified.
func Technical(err error, msg string) error {
	return wrap(KindTechnical, err, msg)
}

// Fatal wraps err as a fatal error unless it is already classified.
func Fatal(err error, msg string) error {
	return wrap(KindFatal, err, msg)
}

func wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if msg == "" {
			return err
		}
		return &Error{Kind: se.Kind, Msg: msg + ": " + err.Error(), Err: err}
	}
	if msg == "" {
		return &Error{Kind: kind, Err: err}
	}
	return &Error{Kind: kind, Msg: msg + ": " + err.Error(), Err: err}
}

// KindOf classifies err. Unclassified errors are technical, except context
// cancellation which is reported as a retry so that shutdown does not
// consume an attempt.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindRetry
	}
	return KindTechnical
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
