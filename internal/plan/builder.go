package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
)

const plannerSystemPrompt = `You plan browser automation tasks. Reply with one JSON object only.
Shape:
{
  "goals": [{"title": str, "successCriteria": str, "priority": number, "dependsOn": [str],
             "subgoals": [{"title": str, "successCriteria": str, "priority": number,
                           "steps": [STEP]}]}],
  "steps": [STEP],
  "taskType": "web_task" | "extract_info",
  "summary": str,
  "constraints": [str],
  "successSignals": [str],
  "safetyChecks": [str],
  "critique": {"assumptions": [str], "risks": [str], "unknowns": [str], "safetyChecks": [str], "questions": [str]},
  "alternatives": [{"name": str, "rationale": str, "steps": [STEP]}],
  "decision": {"action": "tool" | "respond" | "wait_human", "tool": str, "reason": str, "response": str}
}
STEP = {"title": str, "tool": "playwright" | "none", "expectedObservation": str, "successCriteria": str,
        "phase": "observe" | "act" | "verify" | "recover", "priority": number, "dependsOn": [1-based step number or step title]}
Use either "goals" or "steps". Keep steps atomic and ordered.`

const critiqueSystemPrompt = `You review a browser automation plan before it runs.
Reply with one JSON object only: {"assumptions": [str], "risks": [str], "unknowns": [str], "safetyChecks": [str], "questions": [str]}.
List at most three short items per field. Use safetyChecks for things to confirm before acting.`

// Request is the input of one planning call.
type Request struct {
	RunID           string
	Prompt          string
	Memory          []string // most recent last
	Model           string
	GuardModel      string
	BrowserContext  string
	MaxSteps        int
	MaxStepAttempts int
	IDPrefix        string
	// Progress holds the steps already finished when replanning.
	Progress  []Step
	LastError string
	Purpose   string
}

// Result is a built plan.
type Result struct {
	Steps     []Step     `json:"steps"`
	Hierarchy *Hierarchy `json:"hierarchy,omitempty"`
	Meta      *Meta      `json:"meta,omitempty"`
	Branch    []Step     `json:"branch,omitempty"`
	Decision  Decision   `json:"decision"`
	Source    Source     `json:"source"`
}

// Builder produces plans from the model, falling back to keyword scripts.
type Builder struct {
	gateway models.Gateway
	audit   audit.Recorder
}

// NewBuilder creates a Builder. Both arguments may be nil.
func NewBuilder(gateway models.Gateway, recorder audit.Recorder) *Builder {
	return &Builder{gateway: gateway, audit: recorder}
}

// Build returns a plan for req. Model failures never surface: the keyword
// fallback takes over and the decision is always set.
func (b *Builder) Build(ctx context.Context, req Request) Result {
	maxSteps := maxStepsBound.def
	if req.MaxSteps > 0 {
		maxSteps = maxStepsBound.clamp(req.MaxSteps)
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = "plan"
	}

	resp := b.requestPlan(ctx, req, purpose, maxSteps)

	var res Result
	specs := resp.Specs
	switch {
	case resp.Hierarchy != nil && len(specs) > 0:
		res.Source = SourceHierarchy
		res.Hierarchy = resp.Hierarchy.Truncate(maxSteps)
	case len(specs) > 0:
		res.Source = SourceModel
	default:
		specs, res.Source = FallbackSpecs(req.Prompt, maxSteps)
	}
	specs = capList(specs, maxSteps)

	meta := resp.Meta
	if res.Source == SourceHierarchy || res.Source == SourceModel {
		if req.GuardModel != "" && (meta == nil || meta.Critique.Empty()) {
			if c := b.critique(ctx, req, specs); !c.Empty() {
				if meta == nil {
					meta = &Meta{}
				}
				meta.Critique = c
			}
		}
	}
	res.Meta = meta

	opts := BuildOptions{IncludeSafety: true, MaxAttempts: req.MaxStepAttempts, IDPrefix: req.IDPrefix}
	res.Steps = BuildPlanStepsFromSpecs(specs, meta, opts)
	if meta != nil && len(meta.Alternatives) > 0 {
		res.Branch = BuildBranchSteps(meta.Alternatives, opts)
	}
	res.Decision = Decide(resp.Decision, res.Steps, req.Prompt, req.Memory)

	titles := make([]string, len(res.Steps))
	for i, s := range res.Steps {
		titles[i] = s.Title
	}
	audit.Log(ctx, b.audit, req.RunID, audit.LevelInfo, purpose+" built", map[string]any{
		"source":   string(res.Source),
		"steps":    titles,
		"branch":   len(res.Branch),
		"decision": string(res.Decision.Action),
	})
	slog.Debug("plan built", "run_id", req.RunID, "purpose", purpose, "source", res.Source, "steps", len(res.Steps))
	return res
}

func (b *Builder) requestPlan(ctx context.Context, req Request, purpose string, maxSteps int) Response {
	if b.gateway == nil {
		return Response{}
	}
	obj, err := models.CompleteObject(ctx, b.gateway, models.Request{
		Model:       req.Model,
		System:      plannerSystemPrompt,
		User:        plannerUserPrompt(req, maxSteps),
		Temperature: models.Temperature(0.2),
		Purpose:     purpose,
	})
	if err != nil {
		slog.Debug("planner unavailable, using fallback", "run_id", req.RunID, "error", err)
		audit.Log(ctx, b.audit, req.RunID, audit.LevelWarn, purpose+" model call failed", map[string]any{"error": err.Error()})
		return Response{}
	}
	return ParseResponse(obj)
}

func (b *Builder) critique(ctx context.Context, req Request, specs []StepSpec) *Critique {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\nPlan:\n", req.Prompt)
	for i, s := range specs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s.Title)
	}
	obj, err := models.CompleteObject(ctx, b.gateway, models.Request{
		Model:       req.GuardModel,
		System:      critiqueSystemPrompt,
		User:        sb.String(),
		Temperature: models.Temperature(0),
		Purpose:     "critique",
	})
	if err != nil {
		slog.Debug("critique skipped", "run_id", req.RunID, "error", err)
		return nil
	}
	if nested := models.Object(obj, "critique"); nested != nil {
		obj = nested
	}
	return ParseCritique(obj)
}

func plannerUserPrompt(req Request, maxSteps int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", req.Prompt)
	fmt.Fprintf(&sb, "Use at most %d steps.\n", maxSteps)
	if len(req.Memory) > 0 {
		sb.WriteString("\nMemory (oldest first):\n")
		for _, m := range req.Memory {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
	}
	if req.BrowserContext != "" {
		fmt.Fprintf(&sb, "\nCurrent browser context:\n%s\n", req.BrowserContext)
	}
	if len(req.Progress) > 0 {
		sb.WriteString("\nAlready done:\n")
		for _, s := range req.Progress {
			fmt.Fprintf(&sb, "- [%s] %s", s.Status, s.Title)
			if s.Observation != "" {
				fmt.Fprintf(&sb, " => %s", s.Observation)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("Plan only the remaining work.\n")
	}
	if req.LastError != "" {
		fmt.Fprintf(&sb, "\nLast error: %s\n", req.LastError)
	}
	return sb.String()
}
