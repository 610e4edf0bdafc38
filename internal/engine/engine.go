// Package engine drives a run through its plan: it builds or restores the
// checkpoint, executes steps against tools, validates what they return,
// recovers from failures and persists progress after every transition.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/loopguard"
	"github.com/dohr-michael/agentrunner/internal/memory"
	"github.com/dohr-michael/agentrunner/internal/metrics"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/runs"
	"github.com/dohr-michael/agentrunner/internal/search"
	"github.com/dohr-michael/agentrunner/internal/storage/artifacts"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/validators"
)

// ErrCheckpointUnavailable is returned when the checkpoint cannot be read or
// written. It is fatal for the run.
var ErrCheckpointUnavailable = errors.New("checkpoint unavailable")

// RunStore is the part of the run store the engine drives.
type RunStore interface {
	Status(ctx context.Context, id string) (runs.Status, error)
	Transition(ctx context.Context, id string, from []runs.Status, to runs.Status, errorMessage string) (bool, error)
	AppendLog(ctx context.Context, id, line string) error
}

// Planner builds plans. *plan.Builder implements it.
type Planner interface {
	Build(ctx context.Context, req plan.Request) plan.Result
}

// Searcher runs the web search that seeds a search-first step.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// Options are the engine defaults. Per-run preferences override Settings and
// RequireHumanApproval.
type Options struct {
	Settings             plan.SettingsInput
	PlannerModel         string
	GuardModel           string
	RequireHumanApproval bool
	// ApprovalHorizon is how long a step waits for approval before the run
	// is parked as waiting_human. Zero parks immediately.
	ApprovalHorizon time.Duration
	ApprovalPoll    time.Duration
	// StepTimeout bounds one tool call.
	StepTimeout time.Duration
	// SessionContext and LongTermContext size the memory fed to the planner.
	SessionContext  int
	LongTermContext int
	// SummarizeEvery folds session notes into long-term memory every N notes; 0 disables.
	SummarizeEvery int
	// SearchURL is a fmt template receiving the escaped query. It is the
	// search-first target when no Searcher is wired or it finds nothing.
	SearchURL string
}

const (
	defaultStepTimeout  = 2 * time.Minute
	defaultApprovalPoll = 2 * time.Second
	defaultSearchURL    = "https://duckduckgo.com/html/?q=%s"
)

// Config wires a Runner.
type Config struct {
	Runs        RunStore
	Checkpoints *checkpoint.Store
	Planner     Planner
	Tools       *tools.Registry
	Assistant   *validators.Assistant
	Memory      *memory.Service
	Audit       audit.Recorder
	Bus         events.Publisher
	Metrics     *metrics.Metrics
	Artifacts   *artifacts.Store
	Searcher    Searcher
	Options     Options
	// Sleep waits out loop guard backoffs. Defaults to loopguard.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner executes runs. It holds no per-run state and is safe for concurrent use.
type Runner struct {
	runs        RunStore
	checkpoints *checkpoint.Store
	planner     Planner
	tools       *tools.Registry
	assistant   *validators.Assistant
	memory      *memory.Service
	audit       audit.Recorder
	bus         events.Publisher
	metrics     *metrics.Metrics
	artifacts   *artifacts.Store
	searcher    Searcher
	opts        Options
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// New creates a Runner. Runs, Checkpoints and Planner are required.
func New(cfg Config) *Runner {
	opts := cfg.Options
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.ApprovalPoll <= 0 {
		opts.ApprovalPoll = defaultApprovalPoll
	}
	if opts.SearchURL == "" {
		opts.SearchURL = defaultSearchURL
	}
	r := &Runner{
		runs:        cfg.Runs,
		checkpoints: cfg.Checkpoints,
		planner:     cfg.Planner,
		tools:       cfg.Tools,
		assistant:   cfg.Assistant,
		memory:      cfg.Memory,
		audit:       cfg.Audit,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		artifacts:   cfg.Artifacts,
		searcher:    cfg.Searcher,
		opts:        opts,
		sleep:       cfg.Sleep,
		now:         time.Now,
	}
	if r.tools == nil {
		r.tools = tools.NewRegistry()
	}
	if r.assistant == nil {
		r.assistant = validators.New(validators.Config{Audit: cfg.Audit})
	}
	if r.memory == nil {
		r.memory = memory.NewService(memory.ServiceConfig{Audit: cfg.Audit})
	}
	if r.sleep == nil {
		r.sleep = loopguard.Sleep
	}
	return r
}

func (r *Runner) publish(runID string, p events.EventPayload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewTypedEvent(events.SourceEngine, runID, p))
}
