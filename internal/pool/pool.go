// Package pool owns every live device session in the process. Sessions are
// keyed by (profile identity, transport kind); the registry guarantees at
// most one session per key and serializes commands on it, since neither the
// binary API login nor an interactive SSH shell multiplexes safely.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// State tracks a session through its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated transport handle. Callers never hold one
// beyond a single command: Acquire hands it out with the key's slot held,
// and Release/Invalidate give the slot back.
type Session struct {
	Transport transport.Transport
	CreatedAt time.Time

	lastUsed time.Time
	state    State
	key      key
}

// Kind reports the session's transport surface.
func (s *Session) Kind() profile.TransportKind { return s.key.kind }

type key struct {
	profile string
	kind    profile.TransportKind
}

// entry guards one key's slot. The semaphore serializes everything that
// touches the session: establishment, command execution and idle reaping.
type entry struct {
	slot    *semaphore.Weighted
	session *Session // guarded by slot
}

// Config tunes registry behaviour.
type Config struct {
	// IdleTimeout closes sessions unused for this long. Zero disables
	// reaping.
	IdleTimeout time.Duration

	// DialRetries bounds extra dial attempts on transient failures.
	DialRetries uint64

	// DialBackoff is the base backoff between dial attempts.
	DialBackoff time.Duration
}

// Registry is the process-wide session table. It is injected into the
// engine rather than accessed as ambient state so concurrency is testable.
type Registry struct {
	dialer transport.Dialer
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("session registry is closed")

// NewRegistry creates a registry backed by the given dialer.
func NewRegistry(dialer transport.Dialer, logger *slog.Logger, cfg Config) *Registry {
	if cfg.DialBackoff <= 0 {
		cfg.DialBackoff = 200 * time.Millisecond
	}
	r := &Registry{
		dialer:  dialer,
		logger:  logger.With("component", "pool"),
		cfg:     cfg,
		entries: make(map[key]*entry),
		done:    make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.reapLoop()
	}
	return r
}

// Acquire returns a Ready session for the key, creating and authenticating
// one when none exists. It blocks while another caller holds the key's
// slot, so commands to the same device serialize and concurrent acquirers
// never open duplicate connections. The wait is bounded by ctx.
func (r *Registry) Acquire(ctx context.Context, p *profile.TargetProfile, kind profile.TransportKind) (*Session, error) {
	e, err := r.entry(key{profile: p.Key(), kind: kind})
	if err != nil {
		return nil, err
	}

	if err := e.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for %s session to %s: %w", kind, p.Name, err)
	}

	if s := e.session; s != nil && s.state == StateReady {
		if r.cfg.IdleTimeout <= 0 || time.Since(s.lastUsed) < r.cfg.IdleTimeout {
			s.lastUsed = time.Now()
			return s, nil
		}
		r.closeLocked(e, "expired")
	}

	s, err := r.dial(ctx, e, p, kind)
	if err != nil {
		e.slot.Release(1)
		return nil, err
	}
	return s, nil
}

// dial establishes a new session while the caller holds the slot. Transient
// failures get a small bounded number of backoff retries; auth failures are
// fatal immediately.
func (r *Registry) dial(ctx context.Context, e *entry, p *profile.TargetProfile, kind profile.TransportKind) (*Session, error) {
	s := &Session{state: StateConnecting, key: key{profile: p.Key(), kind: kind}}

	backoff := retry.WithMaxRetries(r.cfg.DialRetries, retry.NewFibonacci(r.cfg.DialBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout())
		defer cancel()

		t, err := r.dialer(dialCtx, p, kind)
		if err != nil {
			f := transport.ClassifyErr(kind, err)
			if f.Class == transport.FailureAuth {
				return f
			}
			return retry.RetryableError(f)
		}
		s.Transport = t
		return nil
	})
	if err != nil {
		s.state = StateClosed
		return nil, fmt.Errorf("connect %s/%s: %w", p.Name, kind, err)
	}

	now := time.Now()
	s.CreatedAt = now
	s.lastUsed = now
	s.state = StateReady
	e.session = s
	r.logger.Debug("session established", "profile", p.Name, "transport", string(kind))
	return s, nil
}

// Release returns the session for reuse without closing it. After the
// registry has shut down there is nothing left to reuse it, so the session
// is closed instead.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	e := r.entries[s.key]
	closed := r.closed
	r.mu.Unlock()
	if e == nil {
		return
	}
	if closed {
		r.closeLocked(e, "shutdown")
		e.slot.Release(1)
		return
	}
	s.lastUsed = time.Now()
	e.slot.Release(1)
}

// Invalidate marks the session Degraded and closes it; a Degraded session
// is never returned to a caller again. Use after any transport-level
// failure or timeout that leaves the connection in an unknown state.
func (r *Registry) Invalidate(s *Session) {
	e := r.lookup(s.key)
	if e == nil {
		return
	}
	s.state = StateDegraded
	r.closeLocked(e, "invalidated")
	e.slot.Release(1)
}

// Close tears down the registry and every idle session. In-flight sessions
// are closed as their holders release them.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, e := range entries {
		if e.slot.TryAcquire(1) {
			r.closeLocked(e, "shutdown")
			e.slot.Release(1)
		}
	}
}

func (r *Registry) entry(k key) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	e, ok := r.entries[k]
	if !ok {
		e = &entry{slot: semaphore.NewWeighted(1)}
		r.entries[k] = e
	}
	return e, nil
}

func (r *Registry) lookup(k key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[k]
}

// closeLocked closes the entry's session. Callers must hold the slot.
func (r *Registry) closeLocked(e *entry, reason string) {
	s := e.session
	if s == nil {
		return
	}
	if s.Transport != nil {
		if err := s.Transport.Close(); err != nil {
			r.logger.Debug("session close error", "reason", reason, "error", err)
		}
	}
	s.state = StateClosed
	e.session = nil
}

// reapLoop closes sessions idle past the configured window.
func (r *Registry) reapLoop() {
	defer r.wg.Done()
	interval := r.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		// Skip entries whose slot is held; their holder refreshes
		// lastUsed on release.
		if !e.slot.TryAcquire(1) {
			continue
		}
		if s := e.session; s != nil && time.Since(s.lastUsed) >= r.cfg.IdleTimeout {
			r.closeLocked(e, "idle")
		}
		e.slot.Release(1)
	}
}
