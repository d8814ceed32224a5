// Package fallback decides, per command, how the two transports are tried:
// binary API first, one same-transport retry for transient failures, SSH as
// the secondary, and a per-device cooldown that skips the API entirely for
// a while after it has failed.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/pool"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// action is one row outcome of the failure decision table.
type action int

const (
	actionRetrySame action = iota
	actionFallback
	actionSurface
)

// decisions maps every transport failure class to what happens next on the
// primary transport. Keeping this a table makes the retry policy reviewable
// in one place.
var decisions = map[transport.FailureClass]action{
	transport.FailureTimeout:    actionRetrySame,
	transport.FailureConnection: actionFallback,
	transport.FailureProtocol:   actionFallback,
	transport.FailureAuth:       actionSurface,
}

// ErrAllTransportsFailed wraps the combined causes when neither surface
// serviced the command.
var ErrAllTransportsFailed = errors.New("all transports failed")

// Config tunes controller behaviour.
type Config struct {
	// Cooldown is how long the API surface is skipped for a profile after
	// a transport-level failure. After expiry a single half-open trial
	// re-probes it.
	Cooldown time.Duration
}

// Controller executes commands with transport fallback.
type Controller struct {
	registry *pool.Registry
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewController creates a Controller on top of the session registry.
func NewController(registry *pool.Registry, logger *slog.Logger, cfg Config) *Controller {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Controller{
		registry: registry,
		logger:   logger.With("component", "fallback"),
		cfg:      cfg,
		breakers: make(map[string]*breaker),
	}
}

// Execute runs the command against the device, preferring the API surface.
// A device-level rejection (Result.OK == false) is the command's answer and
// returns without fallback. Only transport-level failures move between
// surfaces; when both fail, the returned error carries both causes.
func (c *Controller) Execute(ctx context.Context, p *profile.TargetProfile, cmd *command.Command) (*transport.Result, error) {
	br := c.breaker(p.Key())

	var apiErr error
	if p.PreferredTransport == profile.TransportShell {
		// Caller pinned the shell surface; the API is not attempted and
		// its breaker state is left untouched.
	} else if !br.allow() {
		c.logger.Debug("api surface in cooldown, going straight to shell", "profile", p.Name)
		apiErr = transport.NewFailure(profile.TransportAPI, transport.FailureConnection,
			fmt.Errorf("api surface in cooldown for %s", p.Name))
	} else {
		res, err := c.tryOnce(ctx, p, profile.TransportAPI, cmd)
		if err == nil {
			br.success()
			return res, nil
		}
		f := transport.ClassifyErr(profile.TransportAPI, err)

		// Surfaced failures (auth) never open the breaker: the caller gets
		// the same answer on the next attempt and must keep getting it from
		// the API, not silently from the shell.
		switch decisions[f.Class] {
		case actionSurface:
			return nil, f
		case actionRetrySame:
			br.failure(c.cfg.Cooldown)
			c.logger.Debug("transient api failure, retrying on fresh session",
				"profile", p.Name, "class", f.Class.String())
			res, err := c.tryOnce(ctx, p, profile.TransportAPI, cmd)
			if err == nil {
				br.success()
				return res, nil
			}
			f2 := transport.ClassifyErr(profile.TransportAPI, err)
			if decisions[f2.Class] == actionSurface {
				return nil, f2
			}
			br.failure(c.cfg.Cooldown)
			apiErr = f2
		default:
			br.failure(c.cfg.Cooldown)
			apiErr = f
		}
	}

	c.logger.Debug("falling back to shell transport", "profile", p.Name, "command", cmd.Path())
	res, err := c.tryOnce(ctx, p, profile.TransportShell, cmd)
	if err == nil {
		return res, nil
	}
	shellErr := transport.ClassifyErr(profile.TransportShell, err)
	if apiErr == nil {
		return nil, shellErr
	}
	return nil, fmt.Errorf("%w: %w", ErrAllTransportsFailed, multierr.Append(apiErr, shellErr))
}

// tryOnce borrows a session, runs the command and returns the session per
// outcome: released for reuse on transport success, invalidated on
// transport failure so a poisoned connection is never reused.
func (c *Controller) tryOnce(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind, cmd *command.Command) (*transport.Result, error) {
	s, err := c.registry.Acquire(ctx, p, kind)
	if err != nil {
		return nil, err
	}

	res, err := s.Transport.Run(ctx, cmd)
	if err != nil {
		c.registry.Invalidate(s)
		return nil, err
	}
	c.registry.Release(s)
	return res, nil
}

func (c *Controller) breaker(profileKey string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[profileKey]
	if !ok {
		b = &breaker{}
		c.breakers[profileKey] = b
	}
	return b
}

// breaker is a per-profile cooldown on the API surface. While open, the
// API is skipped; after the cooldown expires a single trial is let through
// (half-open) and its outcome closes or reopens the breaker.
type breaker struct {
	mu         sync.Mutex
	openedTill time.Time
	trialOut   bool
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedTill.IsZero() {
		return true
	}
	if time.Now().Before(b.openedTill) {
		return false
	}
	if b.trialOut {
		return false
	}
	b.trialOut = true
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedTill = time.Time{}
	b.trialOut = false
}

func (b *breaker) failure(cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedTill = time.Now().Add(cooldown)
	b.trialOut = false
}
