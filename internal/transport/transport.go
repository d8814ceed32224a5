// Package transport implements the two RouterOS control surfaces: the
// binary API and the CLI over SSH. Both satisfy the Transport interface and
// report failures through a shared taxonomy so the fallback controller can
// decide between retry, fallback and surfacing.
package transport

import (
	"context"
	"time"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
)

// Transport is one authenticated surface to a device. Implementations are
// not safe for concurrent use; the session registry serializes access.
type Transport interface {
	// Kind reports which surface this is.
	Kind() profile.TransportKind

	// Run executes one command. A non-nil error is always a
	// transport-level failure; a device-level rejection (the device
	// understood and refused the command) comes back as a Result with
	// OK=false and a DeviceError, because it is the command's real answer
	// and must not trigger retry or fallback.
	Run(ctx context.Context, cmd *command.Command) (*Result, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Result is the uniform outcome of one command on one transport.
type Result struct {
	Transport profile.TransportKind `json:"transport"`
	Raw       string                `json:"raw,omitempty"`
	OK        bool                  `json:"ok"`
	Elapsed   time.Duration         `json:"elapsed"`

	// DeviceError holds the device's rejection message when OK is false.
	DeviceError string `json:"device_error,omitempty"`
}

// Dialer creates an authenticated transport of the given kind. The session
// registry owns the returned Transport.
type Dialer func(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (Transport, error)

// DefaultDialer wires the two production clients.
func DefaultDialer(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (Transport, error) {
	switch kind {
	case profile.TransportShell:
		return DialShell(ctx, p)
	default:
		return DialAPI(ctx, p)
	}
}
