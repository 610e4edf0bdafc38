package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, ""},
		{Fail(LoginStuck, "form did not submit"), LoginStuck},
		{fmt.Errorf("step 2: %w", Fail(MissingExtraction, "no rows")), MissingExtraction},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), Timeout},
		{errors.New("boom"), ""},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestToolErrorMessage(t *testing.T) {
	err := &ToolError{Kind: BadSelectors, Message: "no match for #buy", Cause: errors.New("empty selection")}
	if got := err.Error(); got != "bad_selectors: no match for #buy: empty selection" {
		t.Errorf("Error() = %q", got)
	}
	if ParseFailureKind(" LOGIN_STUCK ") != LoginStuck || ParseFailureKind("other") != "" {
		t.Error("ParseFailureKind")
	}
}

type snapExec struct {
	None
	released []string
}

func (s *snapExec) Snapshot(_ context.Context, runID string) (string, error) {
	if runID == "bad" {
		return "", errors.New("no page")
	}
	return "page for " + runID, nil
}

func (s *snapExec) Release(runID string) { s.released = append(s.released, runID) }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("playwright"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("unknown tool: %v", err)
	}
	exec := &snapExec{}
	r.Register("playwright", exec)
	if got := r.Names(); len(got) != 2 || got[0] != "none" || got[1] != "playwright" {
		t.Errorf("names: %v", got)
	}

	if got := r.Snapshot(context.Background(), "playwright", "run_1"); got != "page for run_1" {
		t.Errorf("snapshot: %q", got)
	}
	if got := r.Snapshot(context.Background(), "playwright", "bad"); got != "" {
		t.Errorf("failed snapshot: %q", got)
	}
	if got := r.Snapshot(context.Background(), "none", "run_1"); got != "" {
		t.Errorf("none snapshot: %q", got)
	}

	r.Release("run_1")
	if len(exec.released) != 1 {
		t.Errorf("release: %v", exec.released)
	}

	obs, err := (None{}).Execute(context.Background(), Request{StepID: "safety-1", Title: "Safety check: no purchases"})
	if err != nil || obs.Summary != "noted: Safety check: no purchases" || obs.Fingerprint == "" {
		t.Errorf("none: %+v %v", obs, err)
	}
}
