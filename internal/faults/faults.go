// Package faults carries the platform error taxonomy. Every failure that
// crosses a component boundary is classified as one of four kinds, and the
// kind decides what happens next: transient errors are retried or
// redelivered, permanent errors are dead-lettered or surfaced as 4xx,
// partial errors record reconciliation debt, fatal errors stop the worker.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the retry classification of an error.
type Kind int

const (
	// Transient: retry with backoff. Store unavailable, timeout, pool
	// saturation, connection reset.
	Transient Kind = iota
	// Permanent: no retry. Schema violation, invalid transition, parse
	// failure, unknown referent.
	Permanent
	// Partial: the authoritative write committed but a projection failed
	// after retries; debt is recorded and processing continues.
	Partial
	// Fatal: the worker cannot continue. Authoritative store unavailable at
	// startup, invalid configuration.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Partial:
		return "partial"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault wraps an error with its kind. It participates in errors.Is/As
// chains, so callers can classify without losing the cause.
type Fault struct {
	kind Kind
	err  error
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %v", f.kind, f.err) }
func (f *Fault) Unwrap() error { return f.err }

// Kind returns the classification.
func (f *Fault) Kind() Kind { return f.kind }

// Wrap attaches a kind to err. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: kind, err: err}
}

// Wrapf attaches a kind to a formatted error; %w works as in fmt.Errorf.
func Wrapf(kind Kind, format string, args ...interface{}) error {
	return &Fault{kind: kind, err: fmt.Errorf(format, args...)}
}

// TransientErr marks err transient.
func TransientErr(err error) error { return Wrap(Transient, err) }

// PermanentErr marks err permanent.
func PermanentErr(err error) error { return Wrap(Permanent, err) }

// PartialErr marks err partial.
func PartialErr(err error) error { return Wrap(Partial, err) }

// FatalErr marks err fatal.
func FatalErr(err error) error { return Wrap(Fatal, err) }

// KindOf resolves the kind of err. Explicitly wrapped faults win; context
// expiry counts as transient; everything unclassified defaults to transient
// so redelivery (bounded by the delivery counter) remains the safe
// fallback.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Transient
}

// IsTransient reports whether err should be retried or redelivered.
func IsTransient(err error) bool { return err != nil && KindOf(err) == Transient }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return err != nil && KindOf(err) == Permanent }

// IsFatal reports whether the worker should stop.
func IsFatal(err error) bool { return err != nil && KindOf(err) == Fatal }
