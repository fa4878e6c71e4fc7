// Package errs classifies pipeline failures so each layer can decide whether
// to retry, skip or abort.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStaleReference marks a download that failed because the remote file
// reference expired. The message has to be fetched again.
var ErrStaleReference = errors.New("file reference expired")

// Kind is the failure class of an error.
type Kind int

// Kind constants. KindTransient is the default for unclassified errors.
const (
	KindTransient Kind = iota
	KindRateLimited
	KindPermission
	KindDataIntegrity
	KindCancelled
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermission:
		return "permission_denied"
	case KindDataIntegrity:
		return "data_integrity"
	case KindCancelled:
		return "cancelled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind and, for rate limits, the mandated wait.
type Error struct {
	Kind Kind
	Op   string
	Wait time.Duration
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == KindRateLimited {
		msg = fmt.Sprintf("%s (wait %s)", msg, e.Wait)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited wraps a "wait N seconds" directive.
func RateLimited(op string, wait time.Duration, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, Wait: wait, Err: err}
}

// Transient wraps a retryable failure (network, timeout, server side).
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permission wraps an unreachable or forbidden target.
func Permission(op string, err error) error {
	return &Error{Kind: KindPermission, Op: op, Err: err}
}

// DataIntegrity wraps empty or unreadable media.
func DataIntegrity(op string, err error) error {
	return &Error{Kind: KindDataIntegrity, Op: op, Err: err}
}

// Fatal wraps a failure that must abort the whole run.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf classifies err. Context cancellation maps to KindCancelled and
// unknown errors to KindTransient.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfter extracts the wait of a rate-limit directive.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.Wait, true
	}
	return 0, false
}

// IsRetryable reports whether the backoff budget applies to err.
// Data integrity failures get the normal budget and nothing more.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindDataIntegrity:
		return true
	default:
		return false
	}
}
