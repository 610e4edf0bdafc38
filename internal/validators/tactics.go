package validators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/weburl"
)

const selectorSystemPrompt = `You infer CSS selectors for a browser automation goal.
Reply with one JSON object only: {"selectors": {"<role>": "<css selector>"}}.
Use roles such as "item", "name", "price", "link", "next", "username", "password", "submit".
Only return selectors that are plausible for the described page.`

const extractionPlanSystemPrompt = `You plan a data extraction from a web page.
Reply with one JSON object only:
{"fields": [string], "selectors": {"<role>": "<css selector>"}, "requiredCount": number, "targetHost": string, "notes": string}`

const recoverySystemPrompt = `A browser automation step failed. Propose a short recovery.
Reply with one JSON object only:
{"reason": string, "giveUp": boolean, "steps": [{"title": string, "tool": "playwright" | "none", "expectedObservation": string, "phase": "recover"}]}
Failure types: bad_selectors (element not found), login_stuck (authentication did not progress),
missing_extraction (no data captured). At most 4 steps.`

const searchFirstSystemPrompt = `Decide whether a browser task should start with a web search because no site is given.
Reply with one JSON object only: {"searchFirst": boolean, "query": string, "reason": string}`

const resumeSystemPrompt = `A browser automation run was interrupted and is resuming.
Given the current browser context, the remaining steps and the last error, decide whether the remaining plan still fits.
Reply with one JSON object only: {"replan": boolean, "summary": string, "reason": string}`

const selfCheckSystemPrompt = `You check whether a step met its success criteria from the observation.
Reply with one JSON object only: {"passed": boolean, "reason": string}`

// SelectorInput describes a selector inference request.
type SelectorInput struct {
	RunID    string
	Host     string
	Goal     string
	Snapshot string
}

// InferSelectors returns selectors by role for a goal on a host. Results are
// cached per host and goal. Failures return nil.
func (a *Assistant) InferSelectors(ctx context.Context, in SelectorInput) map[string]string {
	key := weburl.Hostname(in.Host) + "\x00" + strings.ToLower(strings.TrimSpace(in.Goal))
	if cached, ok := a.selectors.Get(key); ok {
		return cached
	}

	user := fmt.Sprintf("Host: %s\nGoal: %s\nPage:\n%s", weburl.Hostname(in.Host), in.Goal, truncate(in.Snapshot, 4000))
	obj, err := a.ask(ctx, in.RunID, "selector_inference", selectorSystemPrompt, user)
	if err != nil {
		return nil
	}
	selectors := stringMap(models.Object(obj, "selectors"))
	audit.Log(ctx, a.audit, in.RunID, audit.LevelInfo, "selectors inferred", map[string]any{
		"host":      weburl.Hostname(in.Host),
		"goal":      in.Goal,
		"selectors": selectors,
	})
	if len(selectors) > 0 {
		a.selectors.Add(key, selectors)
	}
	return selectors
}

// ExtractionPlan says what an extraction step should capture.
type ExtractionPlan struct {
	Fields        []string          `json:"fields,omitempty"`
	Selectors     map[string]string `json:"selectors,omitempty"`
	RequiredCount int               `json:"required_count"`
	TargetHost    string            `json:"target_host,omitempty"`
	Notes         string            `json:"notes,omitempty"`
}

// ExtractionPlanInput describes an extraction planning request.
type ExtractionPlanInput struct {
	RunID    string
	Prompt   string
	Step     plan.Step
	Snapshot string
}

var countRe = regexp.MustCompile(`\b(\d{1,3})\b`)

// BuildExtractionPlan asks the model how to extract data for a step. Without
// an answer the plan is derived from the prompt: one required item, or the
// first number in the prompt.
func (a *Assistant) BuildExtractionPlan(ctx context.Context, in ExtractionPlanInput) ExtractionPlan {
	fallback := ExtractionPlan{RequiredCount: 1, TargetHost: weburl.FindHost(in.Prompt)}
	if m := countRe.FindStringSubmatch(in.Prompt); m != nil {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n > 0 {
			fallback.RequiredCount = n
		}
	}

	user := fmt.Sprintf("Task: %s\nStep: %s\nExpected: %s\nPage:\n%s",
		in.Prompt, in.Step.Title, in.Step.ExpectedObservation, truncate(in.Snapshot, 4000))
	obj, err := a.ask(ctx, in.RunID, "extraction_plan", extractionPlanSystemPrompt, user)
	if err != nil {
		return fallback
	}
	p := ExtractionPlan{
		Fields:        models.Strings(obj, "fields"),
		Selectors:     stringMap(models.Object(obj, "selectors")),
		RequiredCount: fallback.RequiredCount,
		TargetHost:    weburl.Hostname(models.String(obj, "targetHost")),
		Notes:         models.String(obj, "notes"),
	}
	if n, ok := models.Int(obj, "requiredCount"); ok && n > 0 {
		p.RequiredCount = min(n, 500)
	}
	if p.TargetHost == "" {
		p.TargetHost = fallback.TargetHost
	}
	audit.Log(ctx, a.audit, in.RunID, audit.LevelInfo, "extraction planned", map[string]any{
		"step":           in.Step.ID,
		"fields":         p.Fields,
		"selectors":      p.Selectors,
		"required_count": p.RequiredCount,
		"target_host":    p.TargetHost,
	})
	return p
}

// RecoveryInput describes a failed step.
type RecoveryInput struct {
	RunID     string
	Prompt    string
	Step      plan.Step
	Kind      tools.FailureKind
	Error     string
	Snapshot  string
	Remaining []plan.Step
}

// RecoveryPlan is the model's proposal after a failure.
type RecoveryPlan struct {
	Kind   tools.FailureKind `json:"kind"`
	Reason string            `json:"reason,omitempty"`
	GiveUp bool              `json:"give_up,omitempty"`
	Steps  []plan.StepSpec   `json:"steps,omitempty"`
}

// RecoveryKind maps a failure to the recovery strategy that handles it.
// Timeouts and unclassified failures recover as bad selectors.
func RecoveryKind(k tools.FailureKind) tools.FailureKind {
	switch k {
	case tools.LoginStuck, tools.MissingExtraction:
		return k
	}
	return tools.BadSelectors
}

// BuildFailureRecoveryPlan asks for recovery steps. It returns nil when the
// model gives no usable answer.
func (a *Assistant) BuildFailureRecoveryPlan(ctx context.Context, in RecoveryInput) *RecoveryPlan {
	kind := RecoveryKind(in.Kind)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\nFailed step: %s\nFailure type: %s\nError: %s\n", in.Prompt, in.Step.Title, kind, in.Error)
	if len(in.Remaining) > 0 {
		sb.WriteString("Remaining steps:\n")
		for _, s := range in.Remaining {
			fmt.Fprintf(&sb, "- %s\n", s.Title)
		}
	}
	if in.Snapshot != "" {
		fmt.Fprintf(&sb, "Page:\n%s\n", truncate(in.Snapshot, 4000))
	}

	obj, err := a.ask(ctx, in.RunID, "failure_recovery", recoverySystemPrompt, sb.String())
	if err != nil {
		return nil
	}
	rp := &RecoveryPlan{
		Kind:   kind,
		Reason: models.String(obj, "reason"),
		Steps:  plan.ParseStepSpecs(obj["steps"]),
	}
	if g, ok := models.Bool(obj, "giveUp"); ok {
		rp.GiveUp = g
	}
	if len(rp.Steps) > 4 {
		rp.Steps = rp.Steps[:4]
	}
	titles := make([]string, len(rp.Steps))
	for i, s := range rp.Steps {
		titles[i] = s.Title
	}
	audit.Log(ctx, a.audit, in.RunID, audit.LevelInfo, "recovery planned", map[string]any{
		"step":    in.Step.ID,
		"kind":    string(kind),
		"error":   in.Error,
		"give_up": rp.GiveUp,
		"steps":   titles,
	})
	if rp.GiveUp || len(rp.Steps) == 0 {
		return nil
	}
	return rp
}

// SearchDecision says whether to search before navigating.
type SearchDecision struct {
	SearchFirst bool   `json:"search_first"`
	Query       string `json:"query,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// DecideSearchFirst asks whether a prompt without a URL should start with a
// search. It returns nil when the prompt names a site or the model fails.
func (a *Assistant) DecideSearchFirst(ctx context.Context, runID, prompt string) *SearchDecision {
	if weburl.FindHost(prompt) != "" {
		return nil
	}
	obj, err := a.ask(ctx, runID, "search_first", searchFirstSystemPrompt, "Task: "+prompt)
	if err != nil {
		return nil
	}
	search, ok := models.Bool(obj, "searchFirst")
	if !ok {
		return nil
	}
	d := &SearchDecision{SearchFirst: search, Query: models.String(obj, "query"), Reason: models.String(obj, "reason")}
	if d.SearchFirst && d.Query == "" {
		d.Query = prompt
	}
	audit.Log(ctx, a.audit, runID, audit.LevelInfo, "search decision", map[string]any{
		"search_first": d.SearchFirst,
		"query":        d.Query,
	})
	return d
}

// ResumeInput is the state a resume review looks at.
type ResumeInput struct {
	RunID     string
	Prompt    string
	Snapshot  string
	Remaining []plan.Step
	LastError string
}

// ResumeReview is the verdict on an interrupted plan.
type ResumeReview struct {
	Replan  bool   `json:"replan"`
	Summary string `json:"summary"`
	Reason  string `json:"reason,omitempty"`
}

// ReviewResume decides whether an interrupted plan should be replaced. When
// the model does not answer, the plan is kept.
func (a *Assistant) ReviewResume(ctx context.Context, in ResumeInput) ResumeReview {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", in.Prompt)
	if in.Snapshot != "" {
		fmt.Fprintf(&sb, "Current browser context:\n%s\n", truncate(in.Snapshot, 4000))
	}
	sb.WriteString("Remaining steps:\n")
	for _, s := range in.Remaining {
		fmt.Fprintf(&sb, "- [%s] %s\n", s.Status, s.Title)
	}
	if in.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", in.LastError)
	}

	review := ResumeReview{Summary: fmt.Sprintf("resumed with %d remaining steps", len(in.Remaining))}
	obj, err := a.ask(ctx, in.RunID, "resume_review", resumeSystemPrompt, sb.String())
	if err == nil {
		if replan, ok := models.Bool(obj, "replan"); ok {
			review.Replan = replan
		}
		if s := models.String(obj, "summary"); s != "" {
			review.Summary = s
		}
		review.Reason = models.String(obj, "reason")
	}
	if len(in.Remaining) == 0 {
		review.Replan = false
	}
	audit.Log(ctx, a.audit, in.RunID, audit.LevelInfo, "resume reviewed", map[string]any{
		"replan":    review.Replan,
		"summary":   review.Summary,
		"remaining": len(in.Remaining),
	})
	return review
}

// SelfCheck is the verdict on a step's success criteria.
type SelfCheck struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// CheckSuccess asks whether an observation meets a step's success criteria.
// It returns nil when the model gives no verdict.
func (a *Assistant) CheckSuccess(ctx context.Context, runID string, step plan.Step, observation string) *SelfCheck {
	user := fmt.Sprintf("Step: %s\nSuccess criteria: %s\nObservation: %s", step.Title, step.SuccessCriteria, truncate(observation, 2000))
	obj, err := a.ask(ctx, runID, "self_check", selfCheckSystemPrompt, user)
	if err != nil {
		return nil
	}
	passed, ok := models.Bool(obj, "passed")
	if !ok {
		return nil
	}
	sc := &SelfCheck{Passed: passed, Reason: models.String(obj, "reason")}
	audit.Log(ctx, a.audit, runID, audit.LevelInfo, "self check", map[string]any{
		"step":   step.ID,
		"passed": sc.Passed,
		"reason": sc.Reason,
	})
	return sc
}

func stringMap(obj map[string]any) map[string]string {
	if len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out[k] = strings.TrimSpace(s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
