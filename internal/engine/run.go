package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"unicode/utf8"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/runs"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/validators"
)

// execution is the in-memory state of one Run call.
type execution struct {
	run *runs.Run
	cp  *checkpoint.Checkpoint

	selectors  map[string]map[string]string
	extraction map[string]validators.ExtractionPlan
	lastKind   map[string]tools.FailureKind
}

func (ex *execution) settings() plan.Settings { return ex.cp.Settings }

// Run drives a claimed run until it finishes, parks or is interrupted, and
// returns the status it left the run in. An error is returned when the
// checkpoint is unavailable or ctx ends mid-run; in the latter case the run
// stays running so crash recovery can resume it.
func (r *Runner) Run(ctx context.Context, run *runs.Run) (runs.Status, error) {
	r.metrics.RunStarted()
	ctx = events.ContextWithRunID(ctx, run.ID)
	status, err := r.drive(ctx, run)
	label := string(status)
	if status == runs.StatusRunning {
		label = "interrupted"
	}
	r.metrics.RunFinished(label)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "run_id", run.ID, "error", err)
	}
	return status, err
}

func (r *Runner) drive(ctx context.Context, run *runs.Run) (runs.Status, error) {
	cp, err := r.checkpoints.Load(ctx, run.ID)
	if err != nil {
		return r.fatal(ctx, &execution{run: run}, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err))
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{}
	}
	ex := &execution{
		run:        run,
		cp:         cp,
		selectors:  make(map[string]map[string]string),
		extraction: make(map[string]validators.ExtractionPlan),
		lastKind:   make(map[string]tools.FailureKind),
	}

	if !cp.Planned() {
		if status, done, err := r.coldStart(ctx, ex); done || err != nil {
			return status, err
		}
	} else if err := r.warmStart(ctx, ex); err != nil {
		return r.fatal(ctx, ex, err)
	}
	return r.loop(ctx, ex)
}

// coldStart builds the first plan. done is set when the run was finished or
// parked by the initial decision.
func (r *Runner) coldStart(ctx context.Context, ex *execution) (runs.Status, bool, error) {
	run, cp := ex.run, ex.cp
	cp.Settings = plan.ResolveSettings(r.opts.Settings, cp.Preferences.Settings)
	cp.Preferences.RequireHumanApproval = cp.Preferences.RequireHumanApproval || r.opts.RequireHumanApproval

	memory := r.memory.ContextFor(ctx, run.ID, run.EffectiveMemoryKey(), r.opts.SessionContext, r.opts.LongTermContext)
	snapshot := r.tools.Snapshot(ctx, plan.ToolBrowser, run.ID)
	res := r.planner.Build(ctx, plan.Request{
		RunID:           run.ID,
		Prompt:          run.Prompt,
		Memory:          memory,
		Model:           r.model(run),
		GuardModel:      r.opts.GuardModel,
		BrowserContext:  snapshot,
		MaxSteps:        cp.Settings.MaxSteps,
		MaxStepAttempts: cp.Settings.MaxStepAttempts,
	})

	cp.Steps = res.Steps
	cp.Branch = res.Branch
	cp.Hierarchy = res.Hierarchy
	cp.Decision = res.Decision
	cp.Source = res.Source
	if res.Meta != nil {
		cp.TaskType = res.Meta.TaskType
	}
	if hasBrowserStep(cp.Steps) && plan.IndexOf(cp.Steps, searchStepID) < 0 {
		if d := r.assistant.DecideSearchFirst(ctx, run.ID, run.Prompt); d != nil && d.SearchFirst {
			search := r.searchStep(ctx, run.ID, d.Query)
			search.MaxAttempts = cp.Settings.MaxStepAttempts
			cp.Steps = append([]plan.Step{search}, cp.Steps...)
		}
	}
	if len(cp.Steps) > 0 {
		cp.ActiveStepID = cp.Steps[0].ID
	}
	// A fresh plan already reflects the current state.
	cp.MarkResumeProcessed()

	if err := r.save(ctx, ex); err != nil {
		status, err := r.fatal(ctx, ex, err)
		return status, true, err
	}
	r.publish(run.ID, events.PlanBuiltPayload{Trigger: "initial", Source: string(res.Source), Steps: titles(cp.Steps)})
	r.logf(ctx, ex, "planned %d steps (%s)", len(cp.Steps), res.Source)

	switch {
	case cp.Decision.Action == plan.ActionWaitHuman:
		status, err := r.park(ctx, ex, "planner asked for human input: "+cp.Decision.Reason)
		return status, true, err
	case len(cp.Steps) == 0 && cp.Decision.Action == plan.ActionRespond:
		if cp.Decision.Response != "" {
			r.logf(ctx, ex, "response: %s", cp.Decision.Response)
		}
		status, err := r.finish(ctx, ex, runs.StatusCompleted, "")
		return status, true, err
	}
	return "", false, nil
}

const searchStepID = "search-1"

// searchStep builds the step that opens the top search hit for query. Without
// a searcher, or when the search fails or finds nothing, it opens the search
// page instead.
func (r *Runner) searchStep(ctx context.Context, runID, query string) plan.Step {
	step := plan.Step{
		ID:                  searchStepID,
		Title:               "Search the web for: " + query,
		Status:              plan.StatusPending,
		Tool:                plan.ToolBrowser,
		URL:                 fmt.Sprintf(r.opts.SearchURL, url.QueryEscape(query)),
		ExpectedObservation: "Search results relevant to the task.",
		Phase:               plan.PhaseObserve,
	}
	if r.searcher == nil {
		return step
	}
	results, err := r.searcher.Search(ctx, query)
	if err != nil {
		audit.Log(ctx, r.audit, runID, audit.LevelWarn, "web search failed", map[string]any{"query": query, "error": err.Error()})
		return step
	}
	if len(results) == 0 {
		audit.Log(ctx, r.audit, runID, audit.LevelInfo, "web search found nothing", map[string]any{"query": query})
		return step
	}
	top := results[0]
	step.Title = "Open the top search result for: " + query
	step.URL = top.URL
	if top.Title != "" {
		step.ExpectedObservation = "The page " + strconv.Quote(top.Title) + " relevant to the task."
	}
	urls := make([]string, 0, min(len(results), 5))
	for _, res := range results[:min(len(results), 5)] {
		urls = append(urls, res.URL)
	}
	audit.Log(ctx, r.audit, runID, audit.LevelInfo, "web search", map[string]any{
		"query":   query,
		"results": len(results),
		"urls":    urls,
	})
	return step
}

// warmStart restores a checkpoint and processes a pending resume request.
func (r *Runner) warmStart(ctx context.Context, ex *execution) error {
	cp := ex.cp
	if cp.Settings.MaxStepAttempts == 0 {
		cp.Settings = plan.ResolveSettings(r.opts.Settings, cp.Preferences.Settings)
	} else {
		cp.Settings = cp.Settings.Clamp()
	}
	for i := range cp.Steps {
		if cp.Steps[i].Status == plan.StatusInProgress {
			cp.Steps[i].Status = plan.StatusPending
		}
	}
	if cp.ResumePending() {
		r.processResume(ctx, ex)
	}
	return r.save(ctx, ex)
}

func (r *Runner) loop(ctx context.Context, ex *execution) (runs.Status, error) {
	cp := ex.cp
	for {
		if err := ctx.Err(); err != nil {
			return r.interrupted(ctx, ex, err)
		}
		if status, stop, err := r.externallyStopped(ctx, ex); stop || err != nil {
			return status, err
		}

		if r.skipUnreachable(ctx, ex) {
			if err := r.save(ctx, ex); err != nil {
				return r.fatal(ctx, ex, err)
			}
		}
		if len(plan.Remaining(cp.Steps)) == 0 {
			return r.complete(ctx, ex)
		}

		idx := plan.NextEligible(cp.Steps, cp.ActiveIndex())
		if idx < 0 {
			return r.fail(ctx, ex, "no runnable step: remaining dependencies cannot be satisfied")
		}
		step := &cp.Steps[idx]
		cp.ActiveStepID = step.ID

		if r.approvalRequired(ex, step) {
			status, done, err := r.awaitApproval(ctx, ex, step)
			if done {
				return status, err
			}
			if err != nil {
				if ctx.Err() != nil {
					return r.interrupted(ctx, ex, ctx.Err())
				}
				return r.fatal(ctx, ex, err)
			}
		}

		failure, err := r.attempt(ctx, ex, idx)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, ex, ctx.Err())
			}
			return r.fatal(ctx, ex, err)
		}
		if failure != "" {
			return r.fail(ctx, ex, failure)
		}
	}
}

// skipUnreachable marks steps whose dependencies failed as skipped.
func (r *Runner) skipUnreachable(ctx context.Context, ex *execution) bool {
	changed := false
	for again := true; again; {
		again = false
		for i := range ex.cp.Steps {
			s := &ex.cp.Steps[i]
			if s.Status.Done() {
				continue
			}
			readiness, dep := plan.CheckDependencies(*s, ex.cp.Steps)
			if readiness != plan.Unreachable {
				continue
			}
			s.Status = plan.StatusSkipped
			s.LastError = fmt.Sprintf("dependency %s did not complete", dep)
			changed, again = true, true
			r.metrics.StepAttempt("skipped")
			audit.Log(ctx, r.audit, ex.run.ID, audit.LevelInfo, "step skipped", map[string]any{
				"step":       s.ID,
				"title":      s.Title,
				"dependency": dep,
			})
			r.publish(ex.run.ID, events.StepFinishedPayload{StepID: s.ID, Status: string(s.Status), Error: s.LastError})
		}
	}
	return changed
}

// externallyStopped checks, at a step boundary, whether someone moved the run
// out of running.
func (r *Runner) externallyStopped(ctx context.Context, ex *execution) (runs.Status, bool, error) {
	status, err := r.runs.Status(ctx, ex.run.ID)
	if errors.Is(err, runs.ErrNotFound) {
		slog.Info("run deleted while executing", "run_id", ex.run.ID)
		return runs.StatusCanceled, true, nil
	}
	if err != nil {
		st, err := r.fatal(ctx, ex, fmt.Errorf("read run status: %w", err))
		return st, true, err
	}
	if status == runs.StatusRunning {
		return status, false, nil
	}
	if err := r.save(context.WithoutCancel(ctx), ex); err != nil {
		slog.Warn("checkpoint not saved on stop", "run_id", ex.run.ID, "error", err)
	}
	audit.Log(ctx, r.audit, ex.run.ID, audit.LevelInfo, "run stopped at step boundary", map[string]any{
		"status":      string(status),
		"active_step": ex.cp.ActiveStepID,
	})
	return status, true, nil
}

// interrupted handles ctx ending: an external stop keeps its status, a
// shutdown leaves the run running for crash recovery.
func (r *Runner) interrupted(ctx context.Context, ex *execution, cause error) (runs.Status, error) {
	bg := context.WithoutCancel(ctx)
	if ex.cp != nil {
		if err := r.save(bg, ex); err != nil {
			slog.Warn("checkpoint not saved on interrupt", "run_id", ex.run.ID, "error", err)
		}
	}
	status, err := r.runs.Status(bg, ex.run.ID)
	if err == nil && status != runs.StatusRunning {
		return status, nil
	}
	return runs.StatusRunning, cause
}

func (r *Runner) complete(ctx context.Context, ex *execution) (runs.Status, error) {
	for _, s := range ex.cp.Steps {
		if s.Status == plan.StatusFailed && s.RecoveredBy == "" {
			return r.fail(ctx, ex, fmt.Sprintf("step %q failed: %s", s.Title, s.LastError))
		}
	}
	if !plan.AllCompleted(ex.cp.Steps) {
		r.logf(ctx, ex, "finished with skipped or recovered steps")
	}
	return r.finish(ctx, ex, runs.StatusCompleted, "")
}

func (r *Runner) fail(ctx context.Context, ex *execution, message string) (runs.Status, error) {
	ex.cp.LastError = message
	if err := r.save(ctx, ex); err != nil {
		return r.fatal(ctx, ex, err)
	}
	return r.finish(ctx, ex, runs.StatusFailed, message)
}

// fatal fails the run without touching the checkpoint. When the run already
// left running, its stored status is kept and returned.
func (r *Runner) fatal(ctx context.Context, ex *execution, cause error) (runs.Status, error) {
	bg := context.WithoutCancel(ctx)
	changed, err := r.runs.Transition(bg, ex.run.ID, []runs.Status{runs.StatusRunning}, runs.StatusFailed, cause.Error())
	if err != nil {
		slog.Error("mark run failed", "run_id", ex.run.ID, "error", err)
	} else if !changed {
		current, err := r.runs.Status(bg, ex.run.ID)
		switch {
		case errors.Is(err, runs.ErrNotFound):
			return runs.StatusCanceled, cause
		case err == nil:
			audit.Log(bg, r.audit, ex.run.ID, audit.LevelWarn, "run error after status change", map[string]any{
				"status": string(current),
				"error":  cause.Error(),
			})
			return current, cause
		}
		slog.Error("read run status", "run_id", ex.run.ID, "error", err)
	}
	audit.Log(bg, r.audit, ex.run.ID, audit.LevelError, "run failed", map[string]any{"error": cause.Error()})
	r.publish(ex.run.ID, events.RunStatusPayload{From: string(runs.StatusRunning), To: string(runs.StatusFailed), Error: cause.Error()})
	return runs.StatusFailed, cause
}

// finish moves the run from running to status.
func (r *Runner) finish(ctx context.Context, ex *execution, status runs.Status, message string) (runs.Status, error) {
	bg := context.WithoutCancel(ctx)
	changed, err := r.runs.Transition(bg, ex.run.ID, []runs.Status{runs.StatusRunning}, status, message)
	if err != nil {
		return runs.StatusRunning, fmt.Errorf("finish run: %w", err)
	}
	if !changed {
		current, err := r.runs.Status(bg, ex.run.ID)
		if err != nil {
			return runs.StatusRunning, fmt.Errorf("finish run: %w", err)
		}
		return current, nil
	}
	level := audit.LevelInfo
	if status == runs.StatusFailed {
		level = audit.LevelError
	}
	audit.Log(bg, r.audit, ex.run.ID, level, "run "+string(status), map[string]any{
		"error":     message,
		"completed": ex.cp.Completed,
		"steps":     len(ex.cp.Steps),
	})
	r.logf(bg, ex, "run %s", status)
	r.publish(ex.run.ID, events.RunStatusPayload{From: string(runs.StatusRunning), To: string(status), Error: message})
	return status, nil
}

// park leaves the run waiting for a human.
func (r *Runner) park(ctx context.Context, ex *execution, reason string) (runs.Status, error) {
	r.logf(ctx, ex, "waiting for a human: %s", reason)
	return r.finish(ctx, ex, runs.StatusWaitingHuman, "")
}

func (r *Runner) save(ctx context.Context, ex *execution) error {
	if err := r.checkpoints.Save(ctx, ex.run.ID, ex.cp); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	return nil
}

func (r *Runner) logf(ctx context.Context, ex *execution, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if err := r.runs.AppendLog(ctx, ex.run.ID, line); err != nil {
		slog.Debug("append run log failed", "run_id", ex.run.ID, "error", err)
	}
}

func (r *Runner) model(run *runs.Run) string {
	if run.Model != "" {
		return run.Model
	}
	return r.opts.PlannerModel
}

func hasBrowserStep(steps []plan.Step) bool {
	for _, s := range steps {
		if s.Tool == plan.ToolBrowser {
			return true
		}
	}
	return false
}

func titles(steps []plan.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Title
	}
	return out
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
