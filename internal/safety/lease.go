// Package safety wraps risky commands in the preview, approval, protected
// execution and verification workflow. Anything the risk classifier marks
// as needing confirmation passes through here before it may touch a device.
package safety

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseHeld is returned when a target already has an active lease.
var ErrLeaseHeld = errors.New("protected-mode lease already held for target")

// Lease represents the device being in a rollback-enabled window for one
// gated command. At most one lease is active per target at a time, and a
// lease is released exactly once: on success, on abnormal completion, or by
// the expiry sweep, whichever comes first.
type Lease struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	TargetKey  string
	Expiry     time.Time
	RollbackAt string // device-side rollback point name

	released bool
}

// LeaseManager is the per-target lease table.
type LeaseManager struct {
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]*Lease
}

// NewLeaseManager creates an empty lease table.
func NewLeaseManager(logger *slog.Logger) *LeaseManager {
	return &LeaseManager{
		logger: logger.With("component", "lease"),
		leases: make(map[string]*Lease),
	}
}

// Acquire takes the target's lease slot for the run. Fails with
// ErrLeaseHeld while another unexpired lease is active.
func (m *LeaseManager) Acquire(targetKey string, runID uuid.UUID, ttl time.Duration, rollbackAt string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[targetKey]; ok && !cur.released && time.Now().Before(cur.Expiry) {
		return nil, fmt.Errorf("%w: run %s holds it until %s",
			ErrLeaseHeld, cur.RunID, cur.Expiry.Format(time.RFC3339))
	}

	l := &Lease{
		ID:         uuid.New(),
		RunID:      runID,
		TargetKey:  targetKey,
		Expiry:     time.Now().Add(ttl),
		RollbackAt: rollbackAt,
	}
	m.leases[targetKey] = l
	m.logger.Debug("lease acquired", "target", targetKey, "run", runID, "expiry", l.Expiry)
	return l, nil
}

// Release frees the lease. The first call wins; later calls (including the
// expiry sweep racing a normal completion) are no-ops.
func (m *LeaseManager) Release(l *Lease, abnormal bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.released {
		return false
	}
	l.released = true
	if cur, ok := m.leases[l.TargetKey]; ok && cur.ID == l.ID {
		delete(m.leases, l.TargetKey)
	}
	m.logger.Debug("lease released", "target", l.TargetKey, "run", l.RunID, "abnormal", abnormal)
	return true
}

// Active reports whether the target currently holds an unexpired lease.
func (m *LeaseManager) Active(targetKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[targetKey]
	return ok && !cur.released && time.Now().Before(cur.Expiry)
}

// SweepExpired releases every lease past its deadline and returns them so
// the caller can surface the abnormal release.
func (m *LeaseManager) SweepExpired() []*Lease {
	m.mu.Lock()
	var expired []*Lease
	now := time.Now()
	for key, l := range m.leases {
		if !l.released && now.After(l.Expiry) {
			l.released = true
			delete(m.leases, key)
			expired = append(expired, l)
		}
	}
	m.mu.Unlock()

	for _, l := range expired {
		m.logger.Warn("lease expired without release", "target", l.TargetKey, "run", l.RunID)
	}
	return expired
}
