package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/risk"
	"github.com/kevinpez/mikrotik-ops/internal/safety"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// countingExecutor counts device contacts.
type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, p *profile.TargetProfile, cmd *command.Command) (*transport.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &transport.Result{Transport: profile.TransportAPI, OK: true, Raw: "ok"}, nil
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// memoryRecorder collects audit records in memory.
type memoryRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (m *memoryRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func testProfile() *profile.TargetProfile {
	return &profile.TargetProfile{
		Name:     "lab",
		Host:     "192.0.2.30",
		Username: "admin",
		Password: "secret",
	}
}

func newTestEngine(t *testing.T, exec safety.Executor, cfg Config) (*Engine, *safety.LeaseManager) {
	t.Helper()
	logger := slog.Default()
	leases := safety.NewLeaseManager(logger)
	orch := safety.NewOrchestrator(exec, leases, nil, logger, safety.Config{})
	e := New(risk.NewClassifier(), orch, leases, nil, logger, cfg)
	t.Cleanup(e.Close)
	return e, leases
}

func TestSafeCommandNeverPends(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{})

	out, err := e.Run(context.Background(), testProfile(), "/interface print")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, 1, exec.count())
	assert.Empty(t, out.Preview)
}

func TestGatedCommandPendsWithoutDeviceContact(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{})

	out, err := e.Run(context.Background(), testProfile(), "/system reboot")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, out.Status)
	assert.NotEqual(t, uuid.Nil, out.RunID)
	assert.NotEmpty(t, out.Preview)
	assert.Equal(t, 0, exec.count(), "pending approval must mean zero device interaction")
}

func TestApproveExecutesPendingRun(t *testing.T) {
	exec := &countingExecutor{}
	e, leases := newTestEngine(t, exec, Config{})
	p := testProfile()

	pending, err := e.Run(context.Background(), p, "/system reboot")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, pending.Status)

	out, err := e.Approve(context.Background(), pending.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, 2, exec.count(), "backup save plus the approved command")
	assert.NotEmpty(t, out.RollbackAt)
	assert.False(t, leases.Active(p.Key()), "lease must be gone once approve returns")
	assert.Equal(t, 0, e.PendingCount())
}

func TestApproveUnknownRunFails(t *testing.T) {
	e, _ := newTestEngine(t, &countingExecutor{}, Config{})

	_, err := e.Approve(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrApprovalMismatch)
}

func TestApproveConsumesRunID(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{})

	pending, err := e.Run(context.Background(), testProfile(), "/system reboot")
	require.NoError(t, err)

	_, err = e.Approve(context.Background(), pending.RunID)
	require.NoError(t, err)

	_, err = e.Approve(context.Background(), pending.RunID)
	assert.ErrorIs(t, err, ErrApprovalMismatch, "an approval token works exactly once")
}

func TestRejectSkipsExecution(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{})

	pending, err := e.Run(context.Background(), testProfile(), "/system reset-configuration")
	require.NoError(t, err)

	out, err := e.Reject(pending.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, 0, exec.count())
}

func TestDryRunNeverReachesDevice(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{DryRun: true})

	out, err := e.Run(context.Background(), testProfile(), "/system reboot")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, out.Status)
	assert.Contains(t, out.Result.Raw, "dry-run")
	assert.Equal(t, 0, exec.count())

	out, err = e.Run(context.Background(), testProfile(), "/interface print")
	require.NoError(t, err)
	assert.Contains(t, out.Result.Raw, "dry-run")
	assert.Equal(t, 0, exec.count())
}

func TestClassifyIsIntrospectionOnly(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{})

	a := e.Classify("/system reboot")
	assert.Equal(t, risk.TierHigh, a.Tier)
	assert.Equal(t, 0, exec.count())

	preview, err := e.Preview("/system reboot")
	require.NoError(t, err)
	assert.Contains(t, preview, "/system reboot")
	assert.Equal(t, 0, exec.count())
}

func TestStalePendingRunsAreSwept(t *testing.T) {
	exec := &countingExecutor{}
	e, _ := newTestEngine(t, exec, Config{
		PendingTTL:    20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	pending, err := e.Run(context.Background(), testProfile(), "/system reboot")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.PendingCount() == 0 },
		time.Second, 5*time.Millisecond)

	_, err = e.Approve(context.Background(), pending.RunID)
	assert.ErrorIs(t, err, ErrApprovalMismatch, "an abandoned run cannot be approved later")
}

func TestCompletedRunsAreRecorded(t *testing.T) {
	exec := &countingExecutor{}
	rec := &memoryRecorder{}
	logger := slog.Default()
	leases := safety.NewLeaseManager(logger)
	orch := safety.NewOrchestrator(exec, leases, nil, logger, safety.Config{})
	e := New(risk.NewClassifier(), orch, leases, rec, logger, Config{})
	t.Cleanup(e.Close)

	_, err := e.Run(context.Background(), testProfile(), "/interface print")
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 1)
	assert.Equal(t, "/interface print", rec.records[0].Command)
	assert.Equal(t, "safe", rec.records[0].Tier)
	assert.True(t, rec.records[0].OK)
}

// failingExecutor refuses every command at the transport level.
type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, p *profile.TargetProfile, cmd *command.Command) (*transport.Result, error) {
	return nil, transport.NewFailure(profile.TransportAPI, transport.FailureConnection,
		errors.New("device gone"))
}

func TestFailedRunsAreRecorded(t *testing.T) {
	rec := &memoryRecorder{}
	logger := slog.Default()
	leases := safety.NewLeaseManager(logger)
	orch := safety.NewOrchestrator(failingExecutor{}, leases, nil, logger, safety.Config{})
	e := New(risk.NewClassifier(), orch, leases, rec, logger, Config{})
	t.Cleanup(e.Close)

	_, err := e.Run(context.Background(), testProfile(), "/interface print")
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 1, "a run that completed by failing still gets its audit row")
	assert.False(t, rec.records[0].OK)
	assert.Contains(t, rec.records[0].ErrDetail, "device gone")
}
