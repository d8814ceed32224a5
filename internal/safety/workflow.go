package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kevinpez/mikrotik-ops/internal/command"
	"github.com/kevinpez/mikrotik-ops/internal/profile"
	"github.com/kevinpez/mikrotik-ops/internal/risk"
	"github.com/kevinpez/mikrotik-ops/internal/transport"
)

// RunState tracks a WorkflowRun through its lifecycle.
type RunState int

const (
	StateClassified RunState = iota
	StateExecuting
	StatePreviewShown
	StateAwaitingApproval
	StateApproved
	StateProtectedExecuting
	StateVerifying
	StateRejected
	StateDone
)

func (s RunState) String() string {
	switch s {
	case StateClassified:
		return "classified"
	case StateExecuting:
		return "executing"
	case StatePreviewShown:
		return "preview-shown"
	case StateAwaitingApproval:
		return "awaiting-approval"
	case StateApproved:
		return "approved"
	case StateProtectedExecuting:
		return "protected-executing"
	case StateVerifying:
		return "verifying"
	case StateRejected:
		return "rejected"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// WorkflowRun ties one command and its assessment to a lifecycle. A run is
// never reused; every terminal transition ends in StateDone.
type WorkflowRun struct {
	ID         uuid.UUID
	Profile    *profile.TargetProfile
	Command    *command.Command
	Assessment risk.Assessment
	State      RunState
	CreatedAt  time.Time

	lease *Lease
}

// Outcome is what a completed run hands back to the caller.
type Outcome struct {
	Result   *transport.Result
	Warnings []string

	// RollbackAt names the device-side rollback point taken before a
	// protected execution. Empty when no lease was involved.
	RollbackAt string

	// VerifyFailed marks an otherwise-successful command whose post-check
	// found trouble.
	VerifyFailed bool
}

// Config tunes the orchestrator.
type Config struct {
	// LeaseTTL bounds the protected-mode window for High-tier commands.
	LeaseTTL time.Duration

	// CriticalLeaseTTL bounds it for Critical-tier commands; larger blast
	// radius gets a longer rollback window.
	CriticalLeaseTTL time.Duration
}

// Orchestrator drives the workflow state machine around the fallback
// controller.
type Orchestrator struct {
	exec     Executor
	leases   *LeaseManager
	verifier *Verifier
	logger   *slog.Logger
	cfg      Config
}

// NewOrchestrator wires the orchestrator. verifier may be nil to skip the
// post-execution check entirely.
func NewOrchestrator(exec Executor, leases *LeaseManager, verifier *Verifier, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.CriticalLeaseTTL <= cfg.LeaseTTL {
		cfg.CriticalLeaseTTL = 3 * cfg.LeaseTTL
	}
	return &Orchestrator{
		exec:     exec,
		leases:   leases,
		verifier: verifier,
		logger:   logger.With("component", "workflow"),
		cfg:      cfg,
	}
}

// Begin creates a run in StateClassified.
func (o *Orchestrator) Begin(p *profile.TargetProfile, cmd *command.Command, a risk.Assessment) *WorkflowRun {
	return &WorkflowRun{
		ID:         uuid.New(),
		Profile:    p,
		Command:    cmd,
		Assessment: a,
		State:      StateClassified,
		CreatedAt:  time.Now(),
	}
}

// NeedsGate reports whether the run must pass the preview/approval path.
// Only Safe and Low commands without a forced confirmation skip the gate.
func (o *Orchestrator) NeedsGate(run *WorkflowRun) bool {
	return run.Assessment.Tier >= risk.TierMedium || run.Assessment.RequiresConfirmation
}

// ExecuteDirect runs an ungated (Safe/Low) command straight through the
// fallback controller.
func (o *Orchestrator) ExecuteDirect(ctx context.Context, run *WorkflowRun) (*Outcome, error) {
	if err := o.transition(run, StateClassified, StateExecuting); err != nil {
		return nil, err
	}
	res, err := o.exec.Execute(ctx, run.Profile, run.Command)
	run.State = StateDone
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res}, nil
}

// Preview renders the command, tier, warnings and impact for the caller and
// parks the run awaiting approval. This step never touches the device.
func (o *Orchestrator) Preview(run *WorkflowRun) (string, error) {
	if err := o.transition(run, StateClassified, StatePreviewShown); err != nil {
		return "", err
	}
	text := RenderPreview(run.Command, run.Assessment)
	run.State = StateAwaitingApproval
	return text, nil
}

// Reject terminates an awaiting run without any device interaction.
func (o *Orchestrator) Reject(run *WorkflowRun) error {
	if err := o.transition(run, StateAwaitingApproval, StateRejected); err != nil {
		return err
	}
	run.State = StateDone
	return nil
}

// ExecuteGated runs an approved command. High and Critical tiers first take
// a protected-mode lease backed by a device-side rollback point; Medium
// executes under the gate but without a lease. After the command returns,
// the verifier's post-check runs, and the lease is released exactly once,
// abnormally on execution or verification failure.
func (o *Orchestrator) ExecuteGated(ctx context.Context, run *WorkflowRun) (*Outcome, error) {
	if err := o.transition(run, StateAwaitingApproval, StateApproved); err != nil {
		return nil, err
	}

	out := &Outcome{}
	if run.Assessment.Tier >= risk.TierHigh {
		lease, err := o.enterProtectedMode(ctx, run)
		if err != nil {
			run.State = StateDone
			return nil, err
		}
		run.lease = lease
		out.RollbackAt = lease.RollbackAt
	}
	run.State = StateProtectedExecuting

	res, execErr := o.exec.Execute(ctx, run.Profile, run.Command)
	run.State = StateVerifying
	out.Result = res

	if o.verifier != nil && execErr == nil {
		if warnings := o.verifier.Verify(ctx, run.Profile); len(warnings) > 0 {
			out.Warnings = append(out.Warnings, warnings...)
			out.VerifyFailed = true
		}
	}

	if run.lease != nil {
		abnormal := execErr != nil || out.VerifyFailed
		o.leases.Release(run.lease, abnormal)
		if abnormal && run.lease.RollbackAt != "" {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("rollback point available on device: %s", run.lease.RollbackAt))
		}
	}
	run.State = StateDone

	if execErr != nil {
		return out, execErr
	}
	return out, nil
}

// enterProtectedMode acquires the lease and takes a configuration backup on
// the device as the rollback point.
func (o *Orchestrator) enterProtectedMode(ctx context.Context, run *WorkflowRun) (*Lease, error) {
	ttl := o.cfg.LeaseTTL
	if run.Assessment.Tier == risk.TierCritical {
		ttl = o.cfg.CriticalLeaseTTL
	}

	rollbackAt := fmt.Sprintf("preflight-%s", run.ID.String()[:8])
	lease, err := o.leases.Acquire(run.Profile.Key(), run.ID, ttl, rollbackAt)
	if err != nil {
		return nil, err
	}

	backupCmd, perr := command.Parse("/system backup save name=" + rollbackAt)
	if perr != nil {
		o.leases.Release(lease, true)
		return nil, perr
	}
	res, berr := o.exec.Execute(ctx, run.Profile, backupCmd)
	if berr != nil {
		o.leases.Release(lease, true)
		return nil, fmt.Errorf("protected-mode entry failed: %w", berr)
	}
	if !res.OK {
		o.leases.Release(lease, true)
		return nil, fmt.Errorf("protected-mode entry rejected by device: %s", res.DeviceError)
	}

	o.logger.Info("protected mode entered",
		"profile", run.Profile.Name, "run", run.ID, "rollback_point", rollbackAt, "ttl", ttl)
	return lease, nil
}

func (o *Orchestrator) transition(run *WorkflowRun, from, to RunState) error {
	if run.State != from {
		return fmt.Errorf("workflow run %s is %s, cannot move to %s", run.ID, run.State, to)
	}
	run.State = to
	return nil
}

// RenderPreview produces the human-readable gate prompt for a command.
func RenderPreview(cmd *command.Command, a risk.Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "command:  %s\n", cmd.Raw())
	fmt.Fprintf(&b, "risk:     %s\n", a.Tier)
	fmt.Fprintf(&b, "impact:   %s\n", a.Impact)
	for _, w := range a.Warnings {
		fmt.Fprintf(&b, "warning:  %s\n", w)
	}
	if a.RequiresConfirmation {
		b.WriteString("this command requires explicit approval before it executes\n")
	}
	return b.String()
}
