package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/loopguard"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/validators"
)

// evaluateReplan runs at a periodic checkpoint after the step at idx
// completed. Rebuilding consumes the replan budget; a plan is only replaced
// when the planner answers.
func (r *Runner) evaluateReplan(ctx context.Context, ex *execution, idx int) {
	cp := ex.cp
	remaining := len(plan.Remaining(cp.Steps))
	budget := ex.settings().MaxReplanCalls
	audit.Log(ctx, r.audit, ex.run.ID, audit.LevelInfo, "replan evaluated", map[string]any{
		"index":        idx,
		"remaining":    remaining,
		"replan_calls": cp.ReplanCalls,
		"budget":       budget,
	})
	if remaining == 0 {
		return
	}
	if cp.ReplanCalls >= budget {
		audit.Log(ctx, r.audit, ex.run.ID, audit.LevelInfo, "replan skipped", map[string]any{"reason": "budget exhausted"})
		return
	}
	cp.ReplanCalls++
	r.replaceRemaining(ctx, ex, "periodic", r.tools.Snapshot(ctx, plan.ToolBrowser, ex.run.ID))
}

// processResume reviews the plan of an interrupted run and marks the resume
// request as processed. Failed steps nobody took over get a fresh start.
func (r *Runner) processResume(ctx context.Context, ex *execution) {
	cp := ex.cp
	for i := range cp.Steps {
		s := &cp.Steps[i]
		if s.Status == plan.StatusFailed && s.RecoveredBy == "" {
			s.Status = plan.StatusPending
			s.Attempts = 0
		}
	}
	cp.Guard = loopguard.State{}

	snapshot := r.tools.Snapshot(ctx, plan.ToolBrowser, ex.run.ID)
	review := r.assistant.ReviewResume(ctx, validators.ResumeInput{
		RunID:     ex.run.ID,
		Prompt:    ex.run.Prompt,
		Snapshot:  snapshot,
		Remaining: plan.Remaining(cp.Steps),
		LastError: cp.LastError,
	})
	cp.ResumeSummary = review.Summary
	replaced := false
	if review.Replan {
		replaced = r.replaceRemaining(ctx, ex, "resume", snapshot)
	}
	cp.MarkResumeProcessed()

	var requested string
	if cp.ResumeRequestedAt != nil {
		requested = cp.ResumeRequestedAt.Format(time.RFC3339Nano)
	}
	audit.Log(ctx, r.audit, ex.run.ID, audit.LevelInfo, "resume processed", map[string]any{
		"requested_at": requested,
		"replan":       review.Replan,
		"replaced":     replaced,
		"summary":      review.Summary,
	})
	r.logf(ctx, ex, "resumed: %s", review.Summary)
}

// replaceRemaining asks the planner for the remaining work and swaps it in
// from the active position. It reports whether the plan changed.
func (r *Runner) replaceRemaining(ctx context.Context, ex *execution, trigger, snapshot string) bool {
	run, cp := ex.run, ex.cp
	s := ex.settings()
	active := cp.ActiveIndex()

	var done []plan.Step
	for _, st := range cp.Steps {
		if st.Status.Done() {
			done = append(done, st)
		}
	}
	res := r.planner.Build(ctx, plan.Request{
		RunID:           run.ID,
		Prompt:          run.Prompt,
		Memory:          r.memory.ContextFor(ctx, run.ID, run.EffectiveMemoryKey(), r.opts.SessionContext, r.opts.LongTermContext),
		Model:           r.model(run),
		GuardModel:      r.opts.GuardModel,
		BrowserContext:  snapshot,
		MaxSteps:        s.MaxSteps,
		MaxStepAttempts: s.MaxStepAttempts,
		IDPrefix:        nextPrefix(cp.Steps, "r"),
		Progress:        done,
		LastError:       cp.LastError,
		Purpose:         "replan",
	})
	if res.Source != plan.SourceModel && res.Source != plan.SourceHierarchy || len(res.Steps) == 0 {
		audit.Log(ctx, r.audit, run.ID, audit.LevelInfo, "replan kept plan", map[string]any{
			"trigger": trigger,
			"source":  string(res.Source),
		})
		return false
	}

	var kept []plan.Step
	for i, st := range cp.Steps {
		if i < active || st.Status.Done() {
			kept = append(kept, st)
		}
	}
	cp.Steps = append(kept, res.Steps...)
	if res.Hierarchy != nil {
		cp.Hierarchy = res.Hierarchy
	}
	if !cp.BranchUsed && len(res.Branch) > 0 {
		cp.Branch = res.Branch
	}
	if res.Meta != nil && res.Meta.TaskType != "" {
		cp.TaskType = res.Meta.TaskType
	}
	cp.ActiveStepID = res.Steps[0].ID

	r.metrics.Replan(trigger)
	r.publish(run.ID, events.PlanBuiltPayload{Trigger: trigger, Source: string(res.Source), Steps: titles(res.Steps)})
	r.logf(ctx, ex, "%s replan: %d new steps", trigger, len(res.Steps))
	return true
}

// recover gives a failed step a successor: the alternative branch first, then
// a recovery plan from the model. It returns the run failure message when
// neither is available.
func (r *Runner) recover(ctx context.Context, ex *execution, idx int, kind tools.FailureKind, deviated bool) string {
	run, cp := ex.run, ex.cp
	s := ex.settings()
	failed := cp.Steps[idx]

	if !cp.BranchUsed && len(cp.Branch) > 0 {
		branch := make([]plan.Step, len(cp.Branch))
		for i, b := range cp.Branch {
			b.Status = plan.StatusPending
			b.Attempts = 0
			b.Phase = plan.PhaseRecover
			if b.MaxAttempts <= 0 {
				b.MaxAttempts = s.MaxStepAttempts
			}
			branch[i] = b
		}
		cp.BranchUsed = true
		r.takeOver(ex, idx, branch)
		r.metrics.Replan("branch")
		audit.Log(ctx, r.audit, run.ID, audit.LevelInfo, "branch activated", map[string]any{
			"failed_step": failed.ID,
			"steps":       titles(branch),
			"deviated":    deviated,
		})
		r.logf(ctx, ex, "step %s replaced by the alternative branch", failed.ID)
		return ""
	}

	if cp.ReplanCalls >= s.MaxReplanCalls {
		return fmt.Sprintf("step %q failed and the replan budget (%d) is exhausted: %s", failed.Title, s.MaxReplanCalls, failed.LastError)
	}
	cp.ReplanCalls++
	cp.RecoveryCalls++
	rp := r.assistant.BuildFailureRecoveryPlan(ctx, validators.RecoveryInput{
		RunID:     run.ID,
		Prompt:    run.Prompt,
		Step:      failed,
		Kind:      kind,
		Error:     failed.LastError,
		Snapshot:  r.tools.Snapshot(ctx, plan.ToolBrowser, run.ID),
		Remaining: plan.Remaining(cp.Steps),
	})
	if rp == nil {
		return fmt.Sprintf("step %q failed after %d attempts: %s", failed.Title, failed.Attempts, failed.LastError)
	}

	steps := plan.BuildPlanStepsFromSpecs(rp.Steps, nil, plan.BuildOptions{
		MaxAttempts: s.MaxStepAttempts,
		IDPrefix:    fmt.Sprintf("rec%d-", cp.RecoveryCalls),
	})
	for i := range steps {
		if steps[i].Phase == "" {
			steps[i].Phase = plan.PhaseRecover
		}
		if steps[i].URL == "" && steps[i].Tool == plan.ToolBrowser {
			steps[i].URL = failed.URL
		}
	}
	r.takeOver(ex, idx, steps)
	r.metrics.Replan("recovery")
	audit.Log(ctx, r.audit, run.ID, audit.LevelInfo, "recovery steps added", map[string]any{
		"failed_step": failed.ID,
		"kind":        string(rp.Kind),
		"reason":      rp.Reason,
		"steps":       titles(steps),
	})
	r.logf(ctx, ex, "step %s recovered with %d steps (%s)", failed.ID, len(steps), rp.Kind)
	return ""
}

// takeOver inserts successors after the failed step at idx and points every
// dependency on it to the last successor.
func (r *Runner) takeOver(ex *execution, idx int, successors []plan.Step) {
	cp := ex.cp
	failedID := cp.Steps[idx].ID
	cp.Steps[idx].RecoveredBy = successors[0].ID
	cp.Steps = slices.Insert(cp.Steps, idx+1, successors...)
	plan.RemapDependencies(cp.Steps, failedID, successors[len(successors)-1].ID)
	cp.ActiveStepID = successors[0].ID
}

// nextPrefix returns the first "<base><n>-" prefix, n >= 2, no step id uses.
func nextPrefix(steps []plan.Step, base string) string {
	for n := 2; ; n++ {
		prefix := fmt.Sprintf("%s%d-", base, n)
		used := false
		for _, s := range steps {
			if strings.HasPrefix(s.ID, prefix) {
				used = true
				break
			}
		}
		if !used {
			return prefix
		}
	}
}
