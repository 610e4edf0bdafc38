// Package dispatch drives queued runs through the engine on a bounded number
// of slots and carries the control operations external callers use.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/metrics"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/runs"
	"github.com/dohr-michael/agentrunner/internal/storage/artifacts"
	"github.com/dohr-michael/agentrunner/internal/tools"
)

// ErrNotDeletable is returned when deleting a run that is still active.
var ErrNotDeletable = errors.New("run is not deletable")

// ErrInvalidState is returned when a control operation does not apply to the
// run's current status.
var ErrInvalidState = errors.New("invalid run state")

const defaultPollInterval = 5 * time.Second

// Engine executes one claimed run. *engine.Runner implements it.
type Engine interface {
	Run(ctx context.Context, run *runs.Run) (runs.Status, error)
}

// auditPurger is implemented by audit recorders that can drop a run's entries.
type auditPurger interface {
	DeleteRun(ctx context.Context, runID string) error
}

// Config wires a Dispatcher.
type Config struct {
	Runs        *runs.Store
	Checkpoints *checkpoint.Store
	Engine      Engine
	Artifacts   *artifacts.Store
	Tools       *tools.Registry
	Audit       audit.Recorder
	Bus         events.Publisher
	Metrics     *metrics.Metrics
	// Slots bounds concurrently executing runs (0 = 1).
	Slots        int
	PollInterval time.Duration
}

// Dispatcher claims queued runs and executes them.
type Dispatcher struct {
	mu      sync.Mutex
	slots   []*Slot
	active  map[string]context.CancelFunc
	started bool

	runs        *runs.Store
	checkpoints *checkpoint.Store
	engine      Engine
	artifacts   *artifacts.Store
	tools       *tools.Registry
	audit       audit.Recorder
	bus         events.Publisher
	metrics     *metrics.Metrics
	poll        time.Duration

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Call Start to begin executing runs.
func New(cfg Config) *Dispatcher {
	n := cfg.Slots
	if n <= 0 {
		n = 1
	}
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = &Slot{ID: fmt.Sprintf("slot-%d", i), Status: SlotIdle}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Dispatcher{
		slots:       slots,
		active:      make(map[string]context.CancelFunc),
		runs:        cfg.Runs,
		checkpoints: cfg.Checkpoints,
		engine:      cfg.Engine,
		artifacts:   cfg.Artifacts,
		tools:       cfg.Tools,
		audit:       cfg.Audit,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		poll:        poll,
		wake:        make(chan struct{}, 1),
	}
}

// Start recovers runs left running by a previous process and launches the
// schedule loop. It must be called once.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.recoverInterrupted(ctx); err != nil {
		return err
	}
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.wg.Add(1)
	go d.scheduleLoop()
	slog.Info("dispatcher started", "slots", len(d.slots))
	return nil
}

// Stop cancels executing runs and waits for them to return. Interrupted runs
// stay running and are recovered by the next Start.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

// Slots returns a snapshot of the worker slots.
func (d *Dispatcher) Slots() []Slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Slot, len(d.slots))
	for i, s := range d.slots {
		out[i] = *s
	}
	return out
}

// recoverInterrupted requeues running runs with a resume request so the
// engine reviews their plan before continuing.
func (d *Dispatcher) recoverInterrupted(ctx context.Context) error {
	running, err := d.runs.List(ctx, runs.Filter{Statuses: []runs.Status{runs.StatusRunning}})
	if err != nil {
		return fmt.Errorf("list interrupted runs: %w", err)
	}
	for _, run := range running {
		if err := d.checkpoints.RequestResume(ctx, run.ID); err != nil {
			slog.Warn("resume request not recorded", "run_id", run.ID, "error", err)
		}
		changed, err := d.runs.Transition(ctx, run.ID, []runs.Status{runs.StatusRunning}, runs.StatusQueued, "")
		if err != nil {
			return fmt.Errorf("requeue run %s: %w", run.ID, err)
		}
		if changed {
			slog.Info("recovered interrupted run", "run_id", run.ID)
			audit.Log(ctx, d.audit, run.ID, audit.LevelInfo, "run recovered after restart", nil)
			d.publishStatus(run.ID, runs.StatusRunning, runs.StatusQueued, "")
		}
	}
	return nil
}

func (d *Dispatcher) wakeScheduler() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) scheduleLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		d.schedule()

		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// schedule fills idle slots with the oldest queued runs.
func (d *Dispatcher) schedule() {
	for d.ctx.Err() == nil {
		d.mu.Lock()
		slot := d.idleSlot()
		if slot == nil {
			d.mu.Unlock()
			return
		}
		run, err := d.runs.ClaimNext(d.ctx)
		if err != nil || run == nil {
			d.mu.Unlock()
			if err != nil && d.ctx.Err() == nil {
				slog.Error("claim queued run", "error", err)
			}
			return
		}
		slot.Status = SlotBusy
		slot.RunID = run.ID
		d.start(run, slot)
		d.mu.Unlock()
		d.publishStatus(run.ID, runs.StatusQueued, runs.StatusRunning, "")
	}
}

// idleSlot returns the first idle slot. Caller must hold d.mu.
func (d *Dispatcher) idleSlot() *Slot {
	for _, s := range d.slots {
		if s.Status == SlotIdle {
			return s
		}
	}
	return nil
}

// start executes run on slot in its own goroutine. Caller must hold d.mu.
func (d *Dispatcher) start(run *runs.Run, slot *Slot) {
	runCtx, cancel := context.WithCancel(d.ctx)
	d.active[run.ID] = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			if d.tools != nil {
				d.tools.Release(run.ID)
			}
			d.mu.Lock()
			delete(d.active, run.ID)
			slot.Status = SlotIdle
			slot.RunID = ""
			d.mu.Unlock()
			d.wakeScheduler()
		}()

		slog.Info("run started", "run_id", run.ID, "slot", slot.ID)
		status, err := d.engine.Run(runCtx, run)
		switch {
		case err != nil && runCtx.Err() != nil:
			slog.Info("run interrupted", "run_id", run.ID)
		case err != nil:
			slog.Error("run ended with error", "run_id", run.ID, "status", status, "error", err)
		default:
			slog.Info("run ended", "run_id", run.ID, "status", status)
		}
	}()
}

func (d *Dispatcher) publish(runID string, p events.EventPayload) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.NewTypedEvent(events.SourceDispatch, runID, p))
}

func (d *Dispatcher) publishStatus(runID string, from, to runs.Status, message string) {
	d.publish(runID, events.RunStatusPayload{From: string(from), To: string(to), Error: message})
}

// EnqueueRequest describes a run to create.
type EnqueueRequest struct {
	Prompt               string             `json:"prompt"`
	Model                string             `json:"model,omitempty"`
	Tools                []string           `json:"tools,omitempty"`
	MemoryKey            string             `json:"memory_key,omitempty"`
	RequireHumanApproval bool               `json:"require_human_approval,omitempty"`
	Settings             plan.SettingsInput `json:"settings,omitempty"`
}

// Enqueue creates a queued run carrying its preferences and wakes the scheduler.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*runs.Run, error) {
	state, err := json.Marshal(&checkpoint.Checkpoint{
		Version: checkpoint.Version,
		Preferences: checkpoint.Preferences{
			RequireHumanApproval: req.RequireHumanApproval,
			Settings:             req.Settings,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	run, err := d.runs.Create(ctx, runs.NewRun{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Tools:     req.Tools,
		MemoryKey: req.MemoryKey,
		PlanState: state,
	})
	if err != nil {
		return nil, err
	}
	audit.Log(ctx, d.audit, run.ID, audit.LevelInfo, "run enqueued", map[string]any{
		"model":          run.Model,
		"tools":          run.Tools,
		"human_approval": req.RequireHumanApproval,
	})
	d.publish(run.ID, events.RunEnqueuedPayload{Prompt: run.Prompt, Model: run.Model})
	d.wakeScheduler()
	return run, nil
}

var activeStatuses = []runs.Status{runs.StatusQueued, runs.StatusRunning, runs.StatusWaitingHuman}

// CancelRun marks an active run canceled. A running run stops at its next
// step boundary.
func (d *Dispatcher) CancelRun(ctx context.Context, id string) error {
	return d.halt(ctx, id, runs.StatusCanceled)
}

// StopRun marks an active run stopped. A stopped run can be resumed.
func (d *Dispatcher) StopRun(ctx context.Context, id string) error {
	return d.halt(ctx, id, runs.StatusStopped)
}

func (d *Dispatcher) halt(ctx context.Context, id string, to runs.Status) error {
	from, err := d.runs.Status(ctx, id)
	if err != nil {
		return err
	}
	changed, err := d.runs.Transition(ctx, id, activeStatuses, to, "")
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidState, id, from)
	}
	audit.Log(ctx, d.audit, id, audit.LevelInfo, "run "+string(to)+" by request", map[string]any{"from": string(from)})
	d.publishStatus(id, from, to, "")
	return nil
}

var resumableStatuses = []runs.Status{runs.StatusStopped, runs.StatusFailed, runs.StatusCanceled, runs.StatusWaitingHuman}

// ResumeRun records a resume request and requeues the run. The engine reviews
// the remaining plan when it picks the run up.
func (d *Dispatcher) ResumeRun(ctx context.Context, id string) error {
	from, err := d.runs.Status(ctx, id)
	if err != nil {
		return err
	}
	if !slices.Contains(resumableStatuses, from) {
		return fmt.Errorf("%w: run %s is %s", ErrInvalidState, id, from)
	}
	if err := d.checkpoints.RequestResume(ctx, id); err != nil {
		return err
	}
	changed, err := d.runs.Transition(ctx, id, resumableStatuses, runs.StatusQueued, "")
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: run %s changed status", ErrInvalidState, id)
	}
	audit.Log(ctx, d.audit, id, audit.LevelInfo, "resume requested", map[string]any{"from": string(from)})
	d.publishStatus(id, from, runs.StatusQueued, "")
	d.wakeScheduler()
	return nil
}

// ApproveRun grants approval for stepID, or for the step awaiting approval
// when stepID is empty. A parked run is requeued.
func (d *Dispatcher) ApproveRun(ctx context.Context, id, stepID string) (string, error) {
	cp, err := d.checkpoints.Load(ctx, id)
	if err != nil {
		return "", err
	}
	if stepID == "" && cp != nil {
		stepID = cp.ApprovalRequestedStepID
	}
	if stepID == "" {
		return "", fmt.Errorf("%w: run %s has no step awaiting approval", ErrInvalidState, id)
	}
	if err := d.checkpoints.GrantApproval(ctx, id, stepID); err != nil {
		return "", err
	}
	audit.Log(ctx, d.audit, id, audit.LevelInfo, "approval recorded", map[string]any{"step": stepID})

	changed, err := d.runs.Transition(ctx, id, []runs.Status{runs.StatusWaitingHuman}, runs.StatusQueued, "")
	if err != nil {
		return "", err
	}
	if changed {
		d.publishStatus(id, runs.StatusWaitingHuman, runs.StatusQueued, "")
		d.wakeScheduler()
	}
	return stepID, nil
}

// DeleteRun removes one run that is not queued or running, with its
// artifacts and audit entries.
func (d *Dispatcher) DeleteRun(ctx context.Context, id string) error {
	status, err := d.runs.Status(ctx, id)
	if err != nil {
		return err
	}
	if status == runs.StatusQueued || status == runs.StatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrNotDeletable, id, status)
	}
	if err := d.runs.Delete(ctx, id); err != nil {
		return err
	}
	d.release(ctx, id, status)
	d.metrics.RunsDeleted(1)
	return nil
}

// DeleteTerminal bulk-deletes the runs covered by scope last updated before
// cutoff (zero means any age) and returns their ids. Missing artifact
// directories are ignored.
func (d *Dispatcher) DeleteTerminal(ctx context.Context, scope string, cutoff time.Time) ([]string, error) {
	statuses, err := runs.DeletableStatuses(scope)
	if err != nil {
		return nil, err
	}
	ids, err := d.runs.DeleteByStatus(ctx, statuses, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		d.release(ctx, id, "")
	}
	d.metrics.RunsDeleted(len(ids))
	slog.Info("deleted runs", "scope", scope, "count", len(ids))
	return ids, nil
}

// release frees everything a deleted run owned outside the runs table.
func (d *Dispatcher) release(ctx context.Context, id string, status runs.Status) {
	if d.artifacts != nil {
		if err := d.artifacts.Remove(id); err != nil {
			slog.Warn("artifacts not removed", "run_id", id, "error", err)
		}
	}
	if p, ok := d.audit.(auditPurger); ok {
		if err := p.DeleteRun(ctx, id); err != nil {
			slog.Warn("audit entries not removed", "run_id", id, "error", err)
		}
	}
	d.publish(id, events.RunDeletedPayload{Status: string(status)})
}
