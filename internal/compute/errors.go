package compute

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies compute failures so callers can choose a retry policy.
type Kind string

const (
	// KindTransport: the remote service could not be reached. Retryable.
	KindTransport Kind = "transport"
	// KindRejected: the remote service refused the payload. Not retryable.
	KindRejected Kind = "rejected"
	// KindRemote: the remote service failed while computing. Retryable with
	// backoff.
	KindRemote Kind = "remote"
	// KindTimeout: the await deadline passed. The remote work may still run.
	KindTimeout Kind = "timeout"
)

// Error is a classified compute failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compute %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a compute failure.
// An exceeded context deadline counts as a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// Retryable reports whether another attempt may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRemote:
		return true
	default:
		return false
	}
}
