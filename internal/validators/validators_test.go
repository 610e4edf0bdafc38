package validators

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
	"github.com/dohr-michael/agentrunner/internal/plan"
	"github.com/dohr-michael/agentrunner/internal/tools"
)

type stubGateway struct {
	replies map[string]string
	err     error
	calls   []models.Request
}

func (g *stubGateway) Complete(_ context.Context, req models.Request) (string, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return "", g.err
	}
	return g.replies[req.Purpose], nil
}

func values(items []tools.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}

func TestValidateExtraction_FailOpenUsesEvidence(t *testing.T) {
	gw := &stubGateway{err: errors.New("connection refused")}
	rec := &audit.Memory{}
	a := New(Config{Gateway: gw, Audit: rec})

	res := a.ValidateExtraction(context.Background(), ExtractionInput{
		RunID:         "run_1",
		TargetHost:    "shop.test",
		RequiredCount: 2,
		Items: []tools.Item{
			{Value: "Laptop A", Evidence: "Laptop A - 999", SourceURL: "https://shop.test/p/1"},
			{Value: "Laptop B", SourceURL: "https://shop.test/p/2"},
			{Value: "Laptop C", Evidence: "Laptop C - 899", SourceURL: "https://other.test/p/3"},
		},
	})

	if !res.FailOpen {
		t.Fatal("expected fail-open result")
	}
	if got := values(res.Accepted); !slices.Equal(got, []string{"Laptop A"}) {
		t.Errorf("accepted: got %v", got)
	}
	if len(res.Rejected) != 2 {
		t.Errorf("rejected: got %d", len(res.Rejected))
	}
	if res.Valid {
		t.Error("one accepted item must not satisfy a required count of 2")
	}
	if res.MissingCount != 1 {
		t.Errorf("missing: got %d", res.MissingCount)
	}
	msgs := rec.Messages()
	if !slices.Contains(msgs, "extraction_validation failed") || !slices.Contains(msgs, "extraction validated") {
		t.Errorf("audit: %v", msgs)
	}
}

func TestValidateExtraction_ModelPartition(t *testing.T) {
	gw := &stubGateway{replies: map[string]string{
		"extraction_validation": "```json\n{\"acceptedItems\": [\"laptop a\", {\"value\": \"Laptop B\"}, \"Unknown\"], \"rejectedItems\": [{\"value\": \"Next page\", \"reason\": \"navigation label\"}], \"issues\": [\"one label\"]}\n```",
	}}
	a := New(Config{Gateway: gw, Audit: &audit.Memory{}})

	res := a.ValidateExtraction(context.Background(), ExtractionInput{
		RunID:      "run_1",
		TargetHost: "www.shop.test",
		Items: []tools.Item{
			{Value: "Laptop A", SourceURL: "https://shop.test/p/1"},
			{Value: "Laptop B", SourceURL: "https://m.shop.test/p/2"},
			{Value: "Next page", SourceURL: "https://shop.test/"},
		},
	})

	if res.FailOpen {
		t.Fatal("unexpected fail-open")
	}
	if got := values(res.Accepted); !slices.Equal(got, []string{"Laptop A", "Laptop B"}) {
		t.Errorf("accepted: got %v", got)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Reason != "navigation label" {
		t.Errorf("rejected: %+v", res.Rejected)
	}
	if !res.Valid || res.MissingCount != 0 {
		t.Errorf("valid=%v missing=%d", res.Valid, res.MissingCount)
	}
	if !slices.Equal(res.Issues, []string{"one label"}) {
		t.Errorf("issues: %v", res.Issues)
	}
}

func TestValidateExtraction_CrossHostNeverReachesModel(t *testing.T) {
	gw := &stubGateway{replies: map[string]string{
		"extraction_validation": `{"acceptedItems": ["Elsewhere"]}`,
	}}
	a := New(Config{Gateway: gw})

	res := a.ValidateExtraction(context.Background(), ExtractionInput{
		TargetHost: "shop.test",
		Items:      []tools.Item{{Value: "Elsewhere", Evidence: "x", SourceURL: "https://evil.test/"}},
	})
	if len(res.Accepted) != 0 || res.Valid {
		t.Errorf("cross-host item accepted: %+v", res)
	}
}

func TestInferSelectors_Cached(t *testing.T) {
	gw := &stubGateway{replies: map[string]string{
		"selector_inference": `{"selectors": {"item": ".product", "name": ".product h2", "bogus": 3}}`,
	}}
	rec := &audit.Memory{}
	a := New(Config{Gateway: gw, Audit: rec})
	in := SelectorInput{RunID: "run_1", Host: "https://www.shop.test/list", Goal: "List products"}

	first := a.InferSelectors(context.Background(), in)
	in.Host = "shop.test"
	in.Goal = "  list PRODUCTS "
	second := a.InferSelectors(context.Background(), in)

	want := map[string]string{"item": ".product", "name": ".product h2"}
	if len(first) != 2 || first["item"] != want["item"] || first["name"] != want["name"] {
		t.Errorf("selectors: got %v", first)
	}
	if second["item"] != ".product" {
		t.Errorf("cached selectors: got %v", second)
	}
	if len(gw.calls) != 1 {
		t.Errorf("gateway calls: got %d", len(gw.calls))
	}
}

func TestInferSelectors_FailureReturnsNil(t *testing.T) {
	a := New(Config{Gateway: &stubGateway{replies: map[string]string{"selector_inference": "no idea"}}})
	if got := a.InferSelectors(context.Background(), SelectorInput{Host: "shop.test", Goal: "x"}); got != nil {
		t.Errorf("got %v", got)
	}
	if got := New(Config{}).InferSelectors(context.Background(), SelectorInput{Host: "shop.test"}); got != nil {
		t.Errorf("nil gateway: got %v", got)
	}
}

func TestBuildExtractionPlan(t *testing.T) {
	prompt := "Collect 5 support emails from https://shop.test/contact"

	fallback := New(Config{}).BuildExtractionPlan(context.Background(), ExtractionPlanInput{Prompt: prompt})
	if fallback.RequiredCount != 5 || fallback.TargetHost != "shop.test" {
		t.Errorf("fallback: %+v", fallback)
	}

	gw := &stubGateway{replies: map[string]string{
		"extraction_plan": `{"fields": ["email"], "selectors": {"item": "a[href^=mailto]"}, "requiredCount": 3}`,
	}}
	p := New(Config{Gateway: gw}).BuildExtractionPlan(context.Background(), ExtractionPlanInput{Prompt: prompt})
	if p.RequiredCount != 3 || p.TargetHost != "shop.test" || !slices.Equal(p.Fields, []string{"email"}) {
		t.Errorf("plan: %+v", p)
	}
	if p.Selectors["item"] != "a[href^=mailto]" {
		t.Errorf("selectors: %v", p.Selectors)
	}
}

func TestRecoveryKind(t *testing.T) {
	tests := map[tools.FailureKind]tools.FailureKind{
		tools.Timeout:           tools.BadSelectors,
		tools.BadSelectors:      tools.BadSelectors,
		tools.LoginStuck:        tools.LoginStuck,
		tools.MissingExtraction: tools.MissingExtraction,
		"":                      tools.BadSelectors,
	}
	for in, want := range tests {
		if got := RecoveryKind(in); got != want {
			t.Errorf("RecoveryKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildFailureRecoveryPlan(t *testing.T) {
	gw := &stubGateway{replies: map[string]string{
		"failure_recovery": `{"reason": "button moved", "steps": [
			{"title": "Reload the page", "tool": "playwright"},
			{"title": "Click the new login button"},
			"Wait for the dashboard",
			{"title": "Check session", "tool": "none"},
			{"title": "Extra step"}
		]}`,
	}}
	rec := &audit.Memory{}
	a := New(Config{Gateway: gw, Audit: rec})

	rp := a.BuildFailureRecoveryPlan(context.Background(), RecoveryInput{
		RunID: "run_1",
		Step:  plan.Step{ID: "step-2", Title: "Click login"},
		Kind:  tools.Timeout,
		Error: "deadline exceeded",
	})
	if rp == nil {
		t.Fatal("expected a recovery plan")
	}
	if rp.Kind != tools.BadSelectors {
		t.Errorf("kind: got %q", rp.Kind)
	}
	if len(rp.Steps) != 4 || rp.Steps[2].Title != "Wait for the dashboard" {
		t.Errorf("steps: %+v", rp.Steps)
	}
	if !slices.Contains(rec.Messages(), "recovery planned") {
		t.Errorf("audit: %v", rec.Messages())
	}
}

func TestBuildFailureRecoveryPlan_GiveUp(t *testing.T) {
	gw := &stubGateway{replies: map[string]string{
		"failure_recovery": `{"giveUp": true, "reason": "site is down", "steps": [{"title": "Retry"}]}`,
	}}
	if rp := New(Config{Gateway: gw}).BuildFailureRecoveryPlan(context.Background(), RecoveryInput{Kind: tools.LoginStuck}); rp != nil {
		t.Errorf("got %+v", rp)
	}
	if rp := New(Config{}).BuildFailureRecoveryPlan(context.Background(), RecoveryInput{}); rp != nil {
		t.Errorf("nil gateway: got %+v", rp)
	}
}

func TestDecideSearchFirst(t *testing.T) {
	gw := &stubGateway{replies: map[string]string{
		"search_first": `{"searchFirst": true, "reason": "no site given"}`,
	}}
	a := New(Config{Gateway: gw})

	if d := a.DecideSearchFirst(context.Background(), "run_1", "List laptops on https://shop.test"); d != nil {
		t.Errorf("url prompt: got %+v", d)
	}
	if d := a.DecideSearchFirst(context.Background(), "run_1", "Check prices on shop.com"); d != nil {
		t.Errorf("domain prompt: got %+v", d)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("prompts naming a site must not call the model")
	}

	d := a.DecideSearchFirst(context.Background(), "run_1", "Find the cheapest laptop")
	if d == nil || !d.SearchFirst || d.Query != "Find the cheapest laptop" {
		t.Errorf("decision: %+v", d)
	}
}

func TestReviewResume(t *testing.T) {
	remaining := []plan.Step{{ID: "step-3", Title: "Extract prices", Status: plan.StatusPending}}

	gw := &stubGateway{replies: map[string]string{
		"resume_review": `{"replan": true, "summary": "page changed", "reason": "logged out"}`,
	}}
	r := New(Config{Gateway: gw}).ReviewResume(context.Background(), ResumeInput{Remaining: remaining})
	if !r.Replan || r.Summary != "page changed" || r.Reason != "logged out" {
		t.Errorf("review: %+v", r)
	}

	keep := New(Config{Gateway: &stubGateway{err: errors.New("down")}}).ReviewResume(context.Background(), ResumeInput{Remaining: remaining})
	if keep.Replan || keep.Summary == "" {
		t.Errorf("failed review: %+v", keep)
	}

	empty := New(Config{Gateway: gw}).ReviewResume(context.Background(), ResumeInput{})
	if empty.Replan {
		t.Error("nothing remaining must not replan")
	}
}

func TestCheckSuccess(t *testing.T) {
	step := plan.Step{ID: "step-1", Title: "Open cart", SuccessCriteria: "cart shows 1 item"}

	gw := &stubGateway{replies: map[string]string{"self_check": `{"passed": false, "reason": "cart empty"}`}}
	sc := New(Config{Gateway: gw}).CheckSuccess(context.Background(), "run_1", step, "Cart (0)")
	if sc == nil || sc.Passed || sc.Reason != "cart empty" {
		t.Errorf("check: %+v", sc)
	}

	gw.replies["self_check"] = `{"passed": "maybe"}`
	if sc := New(Config{Gateway: gw}).CheckSuccess(context.Background(), "run_1", step, ""); sc != nil {
		t.Errorf("non-bool verdict: got %+v", sc)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	if got := truncate("héllo wörld", 4); got != "héll..." {
		t.Errorf("truncate: got %q", got)
	}
	if got := truncate("日本語のページ", 3); got != "日本語..." {
		t.Errorf("truncate: got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate: got %q", got)
	}
}
