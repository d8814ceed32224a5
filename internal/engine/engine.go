// Package engine is the single entry point callers use to execute commands
// against RouterOS devices. It composes the risk classifier, the safety
// workflow and the fallback controller, and owns the table of runs parked
// awaiting approval.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/risk"
	"github.com/kevinpez/mikrotik-ops/internal/safety"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// Status is the caller-visible outcome kind of a Run/Approve/Reject call.
type Status string

const (
	StatusDone            Status = "done"
	StatusPendingApproval Status = "pending-approval"
	StatusRejected        Status = "rejected"
)

// ErrApprovalMismatch is returned when an approval or rejection names no
// pending run. Fatal to that call only.
var ErrApprovalMismatch = errors.New("no pending run matches the given id")

// RunOutcome is the uniform result of a façade call.
type RunOutcome struct {
	Status     Status          `json:"status"`
	RunID      uuid.UUID       `json:"run_id,omitempty"`
	Assessment risk.Assessment `json:"assessment"`

	// Preview is the rendered gate prompt on a pending outcome.
	Preview string `json:"preview,omitempty"`

	Result       *transport.Result `json:"result,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	RollbackAt   string            `json:"rollback_at,omitempty"`
	VerifyFailed bool              `json:"verify_failed,omitempty"`
}

// Recorder persists completed runs. Implemented by the audit package; a nil
// Recorder disables persistence. Recorder failures never fail a run.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// RunRecord is the audit shape of one completed run.
type RunRecord struct {
	RunID        uuid.UUID
	Profile      string
	Command      string
	Tier         string
	Transport    string
	OK           bool
	ErrDetail    string
	Elapsed      time.Duration
	VerifyFailed bool
}

// Config tunes the façade.
type Config struct {
	// DryRun stops every run before device contact and synthesizes a
	// "would execute" result.
	DryRun bool

	// PendingTTL drops runs abandoned in awaiting-approval.
	PendingTTL time.Duration

	// SweepInterval paces the background lease/pending sweep.
	SweepInterval time.Duration
}

// Engine is the execution façade.
type Engine struct {
	classifier *risk.Classifier
	orch       *safety.Orchestrator
	leases     *safety.LeaseManager
	recorder   Recorder
	logger     *slog.Logger
	cfg        Config

	mu      sync.Mutex
	pending map[uuid.UUID]*safety.WorkflowRun

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wires the façade. recorder may be nil.
func New(classifier *risk.Classifier, orch *safety.Orchestrator, leases *safety.LeaseManager, recorder Recorder, logger *slog.Logger, cfg Config) *Engine {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	e := &Engine{
		classifier: classifier,
		orch:       orch,
		leases:     leases,
		recorder:   recorder,
		logger:     logger.With("component", "engine"),
		cfg:        cfg,
		pending:    make(map[uuid.UUID]*safety.WorkflowRun),
		done:       make(chan struct{}),
	}
	e.wg.Add(1)
	go e.sweepLoop()
	return e
}

// Run classifies and executes commandText against the profile. Safe/Low
// commands execute immediately; anything gated comes back as
// StatusPendingApproval with a run id for Approve/Reject. A pending outcome
// never implies any device interaction happened.
func (e *Engine) Run(ctx context.Context, p *profile.TargetProfile, commandText string) (*RunOutcome, error) {
	cmd, err := command.Parse(commandText)
	if err != nil {
		return nil, err
	}
	assessment := e.classifier.Classify(commandText)
	if assessment.Ambiguous {
		e.logger.Warn("command matched no classification pattern, defaulting to medium",
			"command", cmd.Path())
	}

	run := e.orch.Begin(p, cmd, assessment)
	e.logger.Info("run started",
		"run", run.ID, "profile", p.Name, "command", cmd.Path(), "tier", assessment.Tier.String())

	if e.cfg.DryRun {
		return e.dryRunOutcome(run), nil
	}

	if !e.orch.NeedsGate(run) {
		out, err := e.orch.ExecuteDirect(ctx, run)
		if err != nil {
			e.record(ctx, run, nil, err)
			return nil, err
		}
		outcome := e.doneOutcome(run, out)
		e.record(ctx, run, outcome, nil)
		return outcome, nil
	}

	preview, err := e.orch.Preview(run)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.pending[run.ID] = run
	e.mu.Unlock()

	return &RunOutcome{
		Status:     StatusPendingApproval,
		RunID:      run.ID,
		Assessment: assessment,
		Preview:    preview,
	}, nil
}

// Approve releases the pending run identified by runID to execute under the
// gated path. The id is the approval token: an unknown or already-consumed
// id fails with ErrApprovalMismatch and touches nothing.
func (e *Engine) Approve(ctx context.Context, runID uuid.UUID) (*RunOutcome, error) {
	run, err := e.takePending(runID)
	if err != nil {
		return nil, err
	}

	out, execErr := e.orch.ExecuteGated(ctx, run)
	if execErr != nil {
		var outcome *RunOutcome
		if out != nil {
			outcome = e.doneOutcome(run, out)
		}
		e.record(ctx, run, outcome, execErr)
		return nil, execErr
	}
	outcome := e.doneOutcome(run, out)
	e.record(ctx, run, outcome, nil)
	return outcome, nil
}

// Reject withholds approval; the run terminates with no device contact.
func (e *Engine) Reject(runID uuid.UUID) (*RunOutcome, error) {
	run, err := e.takePending(runID)
	if err != nil {
		return nil, err
	}
	if err := e.orch.Reject(run); err != nil {
		return nil, err
	}
	return &RunOutcome{
		Status:     StatusRejected,
		RunID:      run.ID,
		Assessment: run.Assessment,
	}, nil
}

// Classify exposes the risk classifier for introspection; no execution.
func (e *Engine) Classify(commandText string) risk.Assessment {
	return e.classifier.Classify(commandText)
}

// Preview renders the gate prompt for commandText without creating a run or
// touching any device.
func (e *Engine) Preview(commandText string) (string, error) {
	cmd, err := command.Parse(commandText)
	if err != nil {
		return "", err
	}
	return safety.RenderPreview(cmd, e.classifier.Classify(commandText)), nil
}

// PendingCount reports how many runs are parked awaiting approval.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close stops the background sweep. Pending runs are dropped.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}

func (e *Engine) takePending(runID uuid.UUID) (*safety.WorkflowRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.pending[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrApprovalMismatch, runID)
	}
	delete(e.pending, runID)
	return run, nil
}

func (e *Engine) doneOutcome(run *safety.WorkflowRun, out *safety.Outcome) *RunOutcome {
	return &RunOutcome{
		Status:       StatusDone,
		RunID:        run.ID,
		Assessment:   run.Assessment,
		Result:       out.Result,
		Warnings:     out.Warnings,
		RollbackAt:   out.RollbackAt,
		VerifyFailed: out.VerifyFailed,
	}
}

func (e *Engine) dryRunOutcome(run *safety.WorkflowRun) *RunOutcome {
	mode := "directly"
	if e.orch.NeedsGate(run) {
		mode = "after approval"
	}
	return &RunOutcome{
		Status:     StatusDone,
		RunID:      run.ID,
		Assessment: run.Assessment,
		Result: &transport.Result{
			OK:  true,
			Raw: fmt.Sprintf("dry-run: would execute %s %s on %s", run.Command.Raw(), mode, run.Profile.Name),
		},
	}
}

// record writes the run's audit row, one per completed run whether it
// succeeded or not. outcome may be nil when execution failed before any
// result existed; execErr then supplies the failure detail.
func (e *Engine) record(ctx context.Context, run *safety.WorkflowRun, outcome *RunOutcome, execErr error) {
	if e.recorder == nil {
		return
	}
	rec := RunRecord{
		RunID:   run.ID,
		Profile: run.Profile.Name,
		Command: run.Command.Raw(),
		Tier:    run.Assessment.Tier.String(),
	}
	if outcome != nil {
		rec.VerifyFailed = outcome.VerifyFailed
		if r := outcome.Result; r != nil {
			rec.Transport = string(r.Transport)
			rec.OK = r.OK
			rec.ErrDetail = r.DeviceError
			rec.Elapsed = r.Elapsed
		}
	}
	if execErr != nil {
		rec.OK = false
		rec.ErrDetail = execErr.Error()
	}
	if err := e.recorder.RecordRun(ctx, rec); err != nil {
		e.logger.Warn("audit record failed", "run", run.ID, "error", err)
	}
}

// sweepLoop releases expired leases and drops abandoned pending runs so a
// lease never outlives its deadline and forgotten approvals don't pile up.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.leases.SweepExpired()
			e.dropStalePending()
		}
	}
}

func (e *Engine) dropStalePending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, run := range e.pending {
		if time.Since(run.CreatedAt) > e.cfg.PendingTTL {
			delete(e.pending, id)
			e.logger.Info("dropped stale pending run", "run", id, "command", run.Command.Path())
		}
	}
}
