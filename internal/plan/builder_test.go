package plan

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
)

// scriptedGateway answers by request purpose.
type scriptedGateway struct {
	replies map[string]string
	err     error
	calls   []models.Request
}

func (g *scriptedGateway) Complete(_ context.Context, req models.Request) (string, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return "", g.err
	}
	return g.replies[req.Purpose], nil
}

func titlesOf(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Title
	}
	return out
}

func TestBuild_LoginFallback(t *testing.T) {
	gw := &scriptedGateway{err: &models.ErrModelUnavailable{Provider: "ollama", Cause: errors.New("connection refused")}}
	rec := &audit.Memory{}
	b := NewBuilder(gw, rec)

	res := b.Build(context.Background(), Request{RunID: "run_1", Prompt: "Login to example.com with my account"})

	if res.Source != SourceLogin {
		t.Fatalf("source: got %q", res.Source)
	}
	want := []string{
		"Open the target website.",
		"Locate the sign-in form.",
		"Fill in the credentials.",
		"Submit the form and wait for the next page.",
		"Verify the expected page or account state.",
	}
	if !slices.Equal(titlesOf(res.Steps), want) {
		t.Errorf("titles: got %v", titlesOf(res.Steps))
	}
	if res.Decision.Action != ActionTool || res.Decision.Tool != ToolBrowser {
		t.Errorf("decision: %+v", res.Decision)
	}
	msgs := rec.Messages()
	if !slices.Contains(msgs, "plan model call failed") || !slices.Contains(msgs, "plan built") {
		t.Errorf("audit messages: %v", msgs)
	}
}

func TestBuild_NoGateway(t *testing.T) {
	b := NewBuilder(nil, nil)

	res := b.Build(context.Background(), Request{Prompt: "Browse the website and read the news"})
	if res.Source != SourceBrowse || len(res.Steps) != 4 {
		t.Errorf("browse fallback: source %q, %d steps", res.Source, len(res.Steps))
	}

	res = b.Build(context.Background(), Request{Prompt: "Summarize the report. Then email it! Done?", MaxSteps: 2})
	if res.Source != SourceSentences || !slices.Equal(titlesOf(res.Steps), []string{"Summarize the report", "Then email it"}) {
		t.Errorf("sentence fallback: %q %v", res.Source, titlesOf(res.Steps))
	}

	res = b.Build(context.Background(), Request{Prompt: "   "})
	if res.Source != SourceEmpty || len(res.Steps) != 0 {
		t.Errorf("empty: %q %v", res.Source, titlesOf(res.Steps))
	}
	if res.Decision.Action != ActionWaitHuman {
		t.Errorf("empty decision: %+v", res.Decision)
	}

	res = b.Build(context.Background(), Request{Prompt: "   ", Memory: []string{"user prefers dark mode"}})
	if res.Decision.Action != ActionRespond {
		t.Errorf("memory decision: %+v", res.Decision)
	}
}

func TestBuild_ModelSteps(t *testing.T) {
	gw := &scriptedGateway{replies: map[string]string{
		"plan": "Here is the plan:\n```json\n" + `{
  "steps": [
    {"title": "Open shop.example", "tool": "playwright", "phase": "observe"},
    {"title": "Search for lamps", "dependsOn": [1]},
    {"title": "Extract product names", "tool": "none", "dependsOn": ["Search for lamps"]}
  ],
  "taskType": "extract_info",
  "successSignals": ["Product list captured"],
  "alternatives": [{"name": "Use category menu", "steps": ["Open lighting category"]}],
  "decision": {"action": "tool", "tool": "playwright", "reason": "needs browser"}
}` + "\n```",
		"critique": `{"critique": {"risks": ["captcha"], "safetyChecks": ["Do not add items to cart"]}}`,
	}}
	b := NewBuilder(gw, nil)

	res := b.Build(context.Background(), Request{
		RunID:      "run_1",
		Prompt:     "Find lamps on shop.example",
		GuardModel: "guard",
		IDPrefix:   "r2-",
	})

	if res.Source != SourceModel {
		t.Fatalf("source: got %q", res.Source)
	}
	want := []string{
		"Safety check: Do not add items to cart",
		"Open shop.example",
		"Search for lamps",
		"Extract product names",
		"Verify: Product list captured",
	}
	if !slices.Equal(titlesOf(res.Steps), want) {
		t.Fatalf("titles: got %v", titlesOf(res.Steps))
	}
	if res.Steps[0].ID != "r2-safety-1" || res.Steps[2].ID != "r2-step-2" {
		t.Errorf("ids: %s %s", res.Steps[0].ID, res.Steps[2].ID)
	}
	if got := res.Steps[3].DependsOn; !slices.Equal(got, []string{"r2-step-2"}) {
		t.Errorf("title dep: got %v", got)
	}
	if res.Meta == nil || res.Meta.TaskType != TaskExtract || res.Meta.Critique.Empty() {
		t.Errorf("meta: %+v", res.Meta)
	}
	if len(res.Branch) != 1 || res.Branch[0].ID != "r2-branch-step-1" || res.Branch[0].Phase != PhaseRecover {
		t.Errorf("branch: %+v", res.Branch)
	}
	if res.Decision.Reason != "needs browser" {
		t.Errorf("explicit decision lost: %+v", res.Decision)
	}

	var critiqueCall *models.Request
	for i := range gw.calls {
		if gw.calls[i].Purpose == "critique" {
			critiqueCall = &gw.calls[i]
		}
	}
	if critiqueCall == nil || critiqueCall.Model != "guard" {
		t.Fatalf("critique call: %+v", critiqueCall)
	}
	if !strings.Contains(critiqueCall.User, "3. Extract product names") {
		t.Errorf("critique prompt: %q", critiqueCall.User)
	}
}

func TestBuild_HierarchyIsCapped(t *testing.T) {
	gw := &scriptedGateway{replies: map[string]string{"replan": hierarchyPayload}}
	b := NewBuilder(gw, nil)

	res := b.Build(context.Background(), Request{Prompt: "Collect products", MaxSteps: 3, Purpose: "replan"})
	if res.Source != SourceHierarchy {
		t.Fatalf("source: got %q", res.Source)
	}
	if len(res.Steps) != 3 || res.Hierarchy.StepCount() != 3 {
		t.Errorf("capped: %d steps, hierarchy %d", len(res.Steps), res.Hierarchy.StepCount())
	}
	for _, s := range res.Steps {
		if s.GoalID == "" || s.SubgoalID == "" {
			t.Errorf("%s missing hierarchy refs", s.ID)
		}
	}
}

func TestBuild_UndecodableReplyFallsBack(t *testing.T) {
	gw := &scriptedGateway{replies: map[string]string{"plan": "I cannot help with that."}}
	res := NewBuilder(gw, nil).Build(context.Background(), Request{Prompt: "Sign in to the portal"})
	if res.Source != SourceLogin {
		t.Errorf("source: got %q", res.Source)
	}
}

func TestPlannerUserPrompt(t *testing.T) {
	p := plannerUserPrompt(Request{
		Prompt:    "Export invoices",
		Memory:    []string{"portal is billing.example"},
		Progress:  []Step{{Title: "Open portal", Status: StatusCompleted, Observation: "dashboard"}},
		LastError: "timeout",
	}, 5)
	for _, want := range []string{"Task: Export invoices", "at most 5 steps", "- portal is billing.example", "[completed] Open portal => dashboard", "Last error: timeout"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
