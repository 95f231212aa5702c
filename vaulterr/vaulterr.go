// Package vaulterr defines the error-kind taxonomy shared by every
// component of the backup engine (spec.md 7). It generalizes the teacher's
// flat sentinel-error style (store.ErrNotExist, items.ErrNoItem) into a
// typed Kind so callers can branch on retry-vs-abort behavior with
// errors.As instead of string- or sentinel-matching.
package vaulterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purposes of propagation policy
// (spec.md 7).
type Kind int

const (
	// Other is the zero value: an error that does not need special
	// handling beyond being reported.
	Other Kind = iota
	// UserInformation is a misconfiguration; shown verbatim to the operator.
	UserInformation
	// RemoteList means the destination's contents disagree with the catalog.
	RemoteList
	// DatabaseConsistency is an invariant failure; fatal, aborts and rolls back.
	DatabaseConsistency
	// Codec is a compression/encryption failure.
	Codec
	// Cancelled means the operation was cancelled by the operator.
	Cancelled
	// PartialRecreate means repair only reconstructed part of the catalog.
	PartialRecreate
	// Transient is a network-ish error, retried with backoff.
	Transient
	// Integrity is a hash mismatch on a block or file.
	Integrity
	// PolicyViolation is e.g. cross-OS path-separator reuse.
	PolicyViolation
)

func (k Kind) String() string {
	switch k {
	case UserInformation:
		return "user-information"
	case RemoteList:
		return "remote-list"
	case DatabaseConsistency:
		return "database-consistency"
	case Codec:
		return "codec"
	case Cancelled:
		return "cancelled"
	case PartialRecreate:
		return "partial-recreate"
	case Transient:
		return "transient"
	case Integrity:
		return "integrity"
	case PolicyViolation:
		return "policy-violation"
	default:
		return "other"
	}
}

// Error is the concrete error type produced by this module. Op names the
// operation that failed (e.g. "catalog.RegisterBlock"), Kind classifies it
// for propagation policy, and Err is the underlying cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error, wrapping cause with a stack trace via pkg/errors so
// diagnostics retain the call site, matching the teacher's use of
// github.com/pkg/errors throughout store/.
func New(op string, kind Kind, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and Other
// otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Retryable reports whether an error's Kind indicates the remote manager
// should retry with backoff (spec.md 7: "transient errors are retried with
// backoff inside the remote manager").
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// Fatal reports whether an error's Kind should abort the operation and roll
// back the catalog transaction (spec.md 7).
func Fatal(err error) bool {
	return KindOf(err) == DatabaseConsistency
}
