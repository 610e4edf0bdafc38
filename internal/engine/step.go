package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/loopguard"
	"github.com/dohr-michael/agentrunner/internal/memory"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/validators"
	"github.com/dohr-michael/agentrunner/internal/weburl"
)

// stepRecord is the per-step artifact.
type stepRecord struct {
	Step        plan.Step                    `json:"step"`
	Observation *tools.Observation           `json:"observation,omitempty"`
	Extraction  *validators.ExtractionResult `json:"extraction,omitempty"`
	Duration    time.Duration                `json:"duration"`
}

// attempt runs the step at idx once. It returns a failure message when the
// step failed for good and nothing can take over; err is reserved for
// checkpoint failures and ctx ending.
func (r *Runner) attempt(ctx context.Context, ex *execution, idx int) (string, error) {
	cp := ex.cp
	step := &cp.Steps[idx]
	if step.MaxAttempts <= 0 {
		step.MaxAttempts = ex.settings().MaxStepAttempts
	}
	step.Attempts++
	step.Status = plan.StatusInProgress
	if err := r.save(ctx, ex); err != nil {
		return "", err
	}
	r.publish(ex.run.ID, events.StepStartedPayload{StepID: step.ID, Title: step.Title, Tool: step.Tool, Attempt: step.Attempts})
	slog.Debug("step started", "run_id", ex.run.ID, "step_id", step.ID, "attempt", step.Attempts)

	req := r.request(ctx, ex, step)
	start := r.now()
	obs, err := r.execute(ctx, req)
	if ctx.Err() != nil {
		// The call was cut short by shutdown or cancellation; it does not count.
		step.Attempts--
		step.Status = plan.StatusPending
		return "", ctx.Err()
	}
	var extraction *validators.ExtractionResult
	if err == nil {
		extraction, err = r.validate(ctx, ex, step, req, obs)
	}
	verdict := r.observeGuard(ctx, ex, step, req, obs, err)
	duration := r.now().Sub(start)

	if r.artifacts != nil {
		rec := stepRecord{Step: *step, Observation: obs, Extraction: extraction, Duration: duration}
		if err != nil {
			rec.Step.LastError = err.Error()
		}
		if werr := r.artifacts.WriteJSON(ex.run.ID, "step-"+step.ID+".json", rec); werr != nil {
			slog.Debug("step artifact not written", "run_id", ex.run.ID, "step_id", step.ID, "error", werr)
		}
	}

	if err == nil {
		return "", r.succeed(ctx, ex, idx, obs, duration)
	}
	return r.failAttempt(ctx, ex, idx, err, verdict)
}

// request builds the tool request, adding an extraction plan for data steps
// and inferred selectors when a retry follows a selector failure.
func (r *Runner) request(ctx context.Context, ex *execution, step *plan.Step) tools.Request {
	run := ex.run
	req := tools.Request{
		RunID:               run.ID,
		StepID:              step.ID,
		Title:               step.Title,
		Tool:                step.Tool,
		ExpectedObservation: step.ExpectedObservation,
		SuccessCriteria:     step.SuccessCriteria,
		Prompt:              run.Prompt,
		URL:                 step.URL,
	}
	if step.Tool == plan.ToolNone {
		return req
	}

	selectors := map[string]string{}
	if plan.IsExtractionStep(*step, run.Prompt, ex.cp.TaskType) {
		xp, ok := ex.extraction[step.ID]
		if !ok {
			xp = r.assistant.BuildExtractionPlan(ctx, validators.ExtractionPlanInput{
				RunID:    run.ID,
				Prompt:   run.Prompt,
				Step:     *step,
				Snapshot: r.tools.Snapshot(ctx, step.Tool, run.ID),
			})
			ex.extraction[step.ID] = xp
		}
		// Only steps that themselves ask for data must return items.
		req.Extract = plan.IsExtractionStep(*step, "", "")
		req.Fields = xp.Fields
		for k, v := range xp.Selectors {
			selectors[k] = v
		}
	}

	switch ex.lastKind[step.ID] {
	case tools.BadSelectors, tools.Timeout:
		if step.Attempts > 1 {
			host := step.URL
			if host == "" {
				host = weburl.FindHost(run.Prompt)
			}
			inferred := r.assistant.InferSelectors(ctx, validators.SelectorInput{
				RunID:    run.ID,
				Host:     host,
				Goal:     step.Title,
				Snapshot: r.tools.Snapshot(ctx, step.Tool, run.ID),
			})
			if inferred != nil {
				ex.selectors[step.ID] = inferred
			}
		}
	}
	for k, v := range ex.selectors[step.ID] {
		selectors[k] = v
	}
	if len(selectors) > 0 {
		req.Selectors = selectors
	}
	return req
}

// execute runs one tool call under the step timeout.
func (r *Runner) execute(ctx context.Context, req tools.Request) (*tools.Observation, error) {
	exec, err := r.tools.Get(req.Tool)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.StepTimeout)
	defer cancel()

	obs, err := exec.Execute(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && tools.KindOf(err) != tools.Timeout {
			err = &tools.ToolError{Kind: tools.Timeout, Message: "step timed out", Cause: err}
		}
		return nil, err
	}
	if obs == nil {
		obs = &tools.Observation{}
	}
	return obs, nil
}

// validate applies extraction validation and the success-criteria self-check.
func (r *Runner) validate(ctx context.Context, ex *execution, step *plan.Step, req tools.Request, obs *tools.Observation) (*validators.ExtractionResult, error) {
	run := ex.run
	var result *validators.ExtractionResult

	xp, extracting := ex.extraction[step.ID]
	if extracting && (req.Extract || len(obs.Items) > 0) {
		target := xp.TargetHost
		if target == "" {
			target = weburl.FindHost(run.Prompt)
		}
		if target == "" {
			target = weburl.Hostname(obs.URL)
		}
		res := r.assistant.ValidateExtraction(ctx, validators.ExtractionInput{
			RunID:         run.ID,
			Prompt:        run.Prompt,
			StepTitle:     step.Title,
			TargetHost:    target,
			RequiredCount: xp.RequiredCount,
			Items:         obs.Items,
		})
		result = &res
		if !res.Valid {
			return result, &tools.ToolError{
				Kind:    tools.MissingExtraction,
				Message: fmt.Sprintf("accepted %d of %d required items", len(res.Accepted), max(xp.RequiredCount, 1)),
			}
		}
		obs.Items = res.Accepted
		values := make([]string, len(res.Accepted))
		for i, it := range res.Accepted {
			values[i] = it.Value
		}
		obs.Summary = strings.TrimSpace(obs.Summary + "\nAccepted: " + strings.Join(values, "; "))
	}

	cp := ex.cp
	if step.SuccessCriteria != "" && cp.SelfChecks < ex.settings().MaxSelfChecks {
		cp.SelfChecks++
		if sc := r.assistant.CheckSuccess(ctx, run.ID, *step, obs.Summary); sc != nil && !sc.Passed {
			return result, fmt.Errorf("self-check failed: %s", sc.Reason)
		}
	}
	return result, nil
}

// observeGuard feeds the attempt to the loop guard.
func (r *Runner) observeGuard(ctx context.Context, ex *execution, step *plan.Step, req tools.Request, obs *tools.Observation, err error) loopguard.Verdict {
	s := ex.settings()
	target := req.URL
	if target == "" {
		target = step.Title
	}
	var fingerprint string
	switch {
	case obs != nil && obs.Fingerprint != "":
		fingerprint = obs.Fingerprint
	case obs != nil:
		fingerprint = tools.Fingerprint(obs.URL, obs.Summary)
	case err != nil:
		fingerprint = tools.Fingerprint(err.Error())
	}

	guard := loopguard.New(s.LoopGuardThreshold, s.BackoffBase(), s.BackoffMax(), ex.cp.Guard)
	v := guard.Observe(loopguard.Action{Tool: step.Tool, Target: target, Fingerprint: fingerprint}, err == nil)
	ex.cp.Guard = guard.State()

	if v.Mode != loopguard.ModeProceed {
		r.metrics.LoopGuardTrip(string(v.Mode))
		audit.Log(ctx, r.audit, ex.run.ID, audit.LevelWarn, "loop guard", map[string]any{
			"step":     step.ID,
			"mode":     string(v.Mode),
			"streak":   v.Streak,
			"delay_ms": v.Delay.Milliseconds(),
		})
		r.publish(ex.run.ID, events.LoopGuardPayload{Mode: string(v.Mode), Streak: v.Streak, Delay: v.Delay, StepID: step.ID})
	}
	return v
}

func (r *Runner) succeed(ctx context.Context, ex *execution, idx int, obs *tools.Observation, d time.Duration) error {
	run, cp := ex.run, ex.cp
	step := &cp.Steps[idx]
	step.Status = plan.StatusCompleted
	step.Observation = truncate(obs.Summary, 500)
	step.LastError = ""
	cp.Completed++
	cp.LastError = ""
	if cp.ApprovalRequestedStepID == step.ID {
		cp.ApprovalRequestedStepID = ""
		cp.ApprovalRequestedAt = nil
	}
	delete(ex.lastKind, step.ID)
	if next := plan.NextEligible(cp.Steps, idx+1); next >= 0 {
		cp.ActiveStepID = cp.Steps[next].ID
	}

	r.metrics.StepAttempt("completed")
	r.publish(run.ID, events.StepFinishedPayload{StepID: step.ID, Status: string(step.Status), Observation: step.Observation, Duration: d})
	r.logf(ctx, ex, "step %s completed: %s", step.ID, step.Title)

	if step.Tool != plan.ToolNone && obs.Summary != "" {
		meta := map[string]any{"step_id": step.ID}
		if obs.URL != "" {
			meta["url"] = obs.URL
		}
		if _, err := r.memory.AddAgentMemory(ctx, run.ID, step.Title+" => "+truncate(obs.Summary, 300), meta); err != nil {
			slog.Debug("session memory not written", "run_id", run.ID, "error", err)
		}
		if r.opts.SummarizeEvery > 0 {
			cp.SummaryCheckpoint, _ = r.memory.FoldSession(ctx, memory.FoldRequest{
				RunID:     run.ID,
				MemoryKey: run.EffectiveMemoryKey(),
				Prompt:    run.Prompt,
				From:      cp.SummaryCheckpoint,
				Every:     r.opts.SummarizeEvery,
			})
		}
	}

	if plan.ShouldEvaluateReplan(idx, len(cp.Steps), ex.settings().ReplanEverySteps) {
		r.evaluateReplan(ctx, ex, idx)
	}
	return r.save(ctx, ex)
}

func (r *Runner) failAttempt(ctx context.Context, ex *execution, idx int, cause error, verdict loopguard.Verdict) (string, error) {
	run, cp := ex.run, ex.cp
	step := &cp.Steps[idx]
	kind := tools.KindOf(cause)
	ex.lastKind[step.ID] = kind
	step.LastError = cause.Error()
	cp.LastError = fmt.Sprintf("%s: %s", step.Title, cause)

	audit.Log(ctx, r.audit, run.ID, audit.LevelWarn, "step failed", map[string]any{
		"step":         step.ID,
		"attempt":      step.Attempts,
		"max_attempts": step.MaxAttempts,
		"kind":         string(kind),
		"error":        cause.Error(),
	})

	if verdict.Mode != loopguard.ModeDeviate && step.Attempts < step.MaxAttempts {
		step.Status = plan.StatusPending
		if err := r.save(ctx, ex); err != nil {
			return "", err
		}
		r.metrics.StepAttempt("retry")
		r.publish(run.ID, events.StepFinishedPayload{StepID: step.ID, Status: "retry", Error: step.LastError})
		r.logf(ctx, ex, "step %s attempt %d/%d failed: %s", step.ID, step.Attempts, step.MaxAttempts, cause)
		if verdict.Mode == loopguard.ModeBackoff {
			if err := r.sleep(ctx, verdict.Delay); err != nil {
				return "", err
			}
		}
		return "", nil
	}

	step.Status = plan.StatusFailed
	r.metrics.StepAttempt("failed")
	r.publish(run.ID, events.StepFinishedPayload{StepID: step.ID, Status: string(step.Status), Error: step.LastError})
	r.logf(ctx, ex, "step %s failed after %d attempts: %s", step.ID, step.Attempts, cause)

	failure := r.recover(ctx, ex, idx, kind, verdict.Mode == loopguard.ModeDeviate)
	if err := r.save(ctx, ex); err != nil {
		return "", err
	}
	return failure, nil
}
