package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kevinpez/mikrotik-ops/internal/profile"
)

// FailureClass enumerates transport-level failure kinds. The fallback
// controller keys its retry/fallback decision table on these, so every
// transport error must map to exactly one class.
type FailureClass int

const (
	// FailureConnection covers refused, unreachable and reset connections.
	FailureConnection FailureClass = iota
	// FailureAuth covers rejected credentials. Non-retryable.
	FailureAuth
	// FailureTimeout covers connect or command deadlines. Transient.
	FailureTimeout
	// FailureProtocol covers malformed or unexpected protocol traffic,
	// including a disabled API service answering with garbage.
	FailureProtocol
)

func (c FailureClass) String() string {
	switch c {
	case FailureConnection:
		return "connection"
	case FailureAuth:
		return "auth"
	case FailureTimeout:
		return "timeout"
	case FailureProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Failure is a classified transport-level error.
type Failure struct {
	Class     FailureClass
	Transport profile.TransportKind
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s transport %s failure: %v", f.Transport, f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err with its class and originating transport.
func NewFailure(kind profile.TransportKind, class FailureClass, err error) *Failure {
	return &Failure{Class: class, Transport: kind, Err: err}
}

// ClassifyErr derives a Failure from an arbitrary transport error. Already
// classified errors pass through unchanged.
func ClassifyErr(kind profile.TransportKind, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewFailure(kind, FailureTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFailure(kind, FailureTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "invalid user name or password"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "handshake failed"):
		return NewFailure(kind, FailureAuth, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "eof"):
		return NewFailure(kind, FailureConnection, err)
	default:
		return NewFailure(kind, FailureProtocol, err)
	}
}

// IsTransient reports whether the failure class warrants one same-transport
// retry before falling back.
func (c FailureClass) IsTransient() bool {
	return c == FailureTimeout
}
