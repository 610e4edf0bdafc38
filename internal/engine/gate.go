package engine

import (
	"context"
	"fmt"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/runs"
)

// approvalRequired reports whether step must be approved before it runs.
func (r *Runner) approvalRequired(ex *execution, step *plan.Step) bool {
	cp := ex.cp
	return cp.Preferences.RequireHumanApproval && step.Tool != plan.ToolNone && !cp.Approved(step.ID)
}

// awaitApproval records an approval request for step and waits up to the
// approval horizon for a grant. done is set when the run must stop here:
// it was parked as waiting_human or moved out of running while waiting.
func (r *Runner) awaitApproval(ctx context.Context, ex *execution, step *plan.Step) (runs.Status, bool, error) {
	run, cp := ex.run, ex.cp
	if cp.ApprovalRequestedStepID != step.ID {
		now := r.now().UTC()
		cp.ApprovalRequestedStepID = step.ID
		cp.ApprovalRequestedAt = &now
		if err := r.save(ctx, ex); err != nil {
			return "", false, err
		}
		audit.Log(ctx, r.audit, run.ID, audit.LevelInfo, "approval requested", map[string]any{
			"step":  step.ID,
			"title": step.Title,
		})
	}

	deadline := cp.ApprovalRequestedAt.Add(r.opts.ApprovalHorizon)
	for r.opts.ApprovalHorizon > 0 && r.now().Before(deadline) {
		if err := r.sleep(ctx, r.opts.ApprovalPoll); err != nil {
			return "", false, err
		}
		if status, stop, err := r.externallyStopped(ctx, ex); stop || err != nil {
			return status, true, err
		}
		latest, err := r.checkpoints.Load(ctx, run.ID)
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
		}
		if latest != nil && latest.Approved(step.ID) {
			cp.ApprovalGrantedStepID = latest.ApprovalGrantedStepID
			audit.Log(ctx, r.audit, run.ID, audit.LevelInfo, "approval granted", map[string]any{"step": step.ID})
			return "", false, nil
		}
	}

	status, err := r.park(ctx, ex, fmt.Sprintf("approval required for step %q", step.Title))
	return status, true, err
}
