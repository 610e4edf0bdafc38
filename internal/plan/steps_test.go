package plan

import (
	"fmt"
	"strings"
	"testing"
)

func specs(titles ...string) []StepSpec {
	out := make([]StepSpec, len(titles))
	for i, t := range titles {
		out[i] = StepSpec{Title: t}
	}
	return out
}

func TestBuildPlanStepsFromSpecs_Length(t *testing.T) {
	tests := []struct {
		name  string
		specs []StepSpec
		meta  *Meta
		want  int
	}{
		{"no meta", specs("a", "b"), nil, 2},
		{"safety only", specs("a"), &Meta{SafetyChecks: []string{"x"}}, 2},
		{"safety capped", specs("a"), &Meta{SafetyChecks: []string{"1", "2", "3", "4", "5"}}, 4},
		{"safety dedup across critique", specs("a"), &Meta{
			SafetyChecks: []string{"No purchases", "Stay on domain"},
			Critique:     &Critique{SafetyChecks: []string{"no purchases", "Check robots"}},
		}, 4},
		{"verify capped", specs("a", "b"), &Meta{SuccessSignals: []string{"1", "2", "3", "4"}}, 5},
		{"both", specs("a", "b", "c"), &Meta{
			SafetyChecks:   []string{"s1", "s2", "s3", "s4"},
			SuccessSignals: []string{"v1", "v2"},
		}, 8},
		{"empty specs", nil, &Meta{SuccessSignals: []string{"v"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := BuildPlanStepsFromSpecs(tt.specs, tt.meta, BuildOptions{IncludeSafety: true, MaxAttempts: 4})
			if len(steps) != tt.want {
				t.Fatalf("len: got %d, want %d", len(steps), tt.want)
			}
			for _, s := range steps {
				if s.Attempts != 0 {
					t.Errorf("%s: attempts %d, want 0", s.ID, s.Attempts)
				}
				if s.MaxAttempts != 4 {
					t.Errorf("%s: max attempts %d, want 4", s.ID, s.MaxAttempts)
				}
				if s.Status != StatusPending {
					t.Errorf("%s: status %q, want pending", s.ID, s.Status)
				}
			}
		})
	}
}

func TestBuildPlanStepsFromSpecs_SyntheticSteps(t *testing.T) {
	meta := &Meta{SafetyChecks: []string{"Do not submit payment"}, SuccessSignals: []string{"Dashboard visible"}}
	steps := BuildPlanStepsFromSpecs(specs("Open site"), meta, BuildOptions{IncludeSafety: true, MaxAttempts: 2})

	if steps[0].Title != "Safety check: Do not submit payment" || steps[0].Tool != ToolNone || steps[0].Phase != PhaseObserve {
		t.Errorf("safety step: %+v", steps[0])
	}
	if steps[1].ID != "step-1" || steps[1].Tool != ToolBrowser {
		t.Errorf("primary step: %+v", steps[1])
	}
	last := steps[len(steps)-1]
	if last.Title != "Verify: Dashboard visible" || last.Tool != ToolNone || last.Phase != PhaseVerify {
		t.Errorf("verify step: %+v", last)
	}

	without := BuildPlanStepsFromSpecs(specs("Open site"), meta, BuildOptions{MaxAttempts: 2})
	if len(without) != 1 {
		t.Errorf("without safety: got %d steps, want 1", len(without))
	}
}

func TestBuildPlanStepsFromSpecs_Normalization(t *testing.T) {
	in := []StepSpec{
		{Title: "Open", Tool: "NONE", Phase: "Observe"},
		{Title: "Click", Tool: "selenium", Phase: "dance"},
		{Title: "Check", Tool: "", Phase: " VERIFY "},
	}
	steps := BuildPlanStepsFromSpecs(in, nil, BuildOptions{})
	if steps[0].Tool != ToolNone || steps[0].Phase != PhaseObserve {
		t.Errorf("step 1: tool %q phase %q", steps[0].Tool, steps[0].Phase)
	}
	if steps[1].Tool != ToolBrowser || steps[1].Phase != "" {
		t.Errorf("step 2: tool %q phase %q", steps[1].Tool, steps[1].Phase)
	}
	if steps[2].Phase != PhaseVerify {
		t.Errorf("step 3: phase %q", steps[2].Phase)
	}
	if steps[0].MaxAttempts != 3 {
		t.Errorf("default max attempts: got %d, want 3", steps[0].MaxAttempts)
	}
}

func TestBuildPlanStepsFromSpecs_DependsOnIndices(t *testing.T) {
	in := specs("a", "b", "c", "d")
	in[1].DependsOn = []DepRef{{Index: 1}, {Index: 0}, {Index: -3}, {Index: 99}}
	in[2].DependsOn = []DepRef{{Index: 3}, {Index: 2}, {Index: 2}}
	in[3].DependsOn = []DepRef{{Index: 5}}

	steps := BuildPlanStepsFromSpecs(in, &Meta{SafetyChecks: []string{"x"}}, BuildOptions{IncludeSafety: true})
	byID := map[string]Step{}
	valid := map[string]bool{}
	for _, s := range steps {
		byID[s.ID] = s
		valid[s.ID] = true
	}
	if got := byID["step-2"].DependsOn; len(got) != 1 || got[0] != "step-1" {
		t.Errorf("step-2 deps: got %v, want [step-1]", got)
	}
	if got := byID["step-3"].DependsOn; len(got) != 1 || got[0] != "step-2" {
		t.Errorf("step-3 deps: got %v, want [step-2] (self and duplicate dropped)", got)
	}
	if got := byID["step-4"].DependsOn; len(got) != 0 {
		t.Errorf("step-4 deps: got %v, want none", got)
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !valid[dep] {
				t.Errorf("%s depends on unknown id %s", s.ID, dep)
			}
		}
	}
}

func TestBuildPlanStepsFromSpecs_DependsOnIndicesExhaustive(t *testing.T) {
	for n := 1; n <= 5; n++ {
		for idx := -2; idx <= n+2; idx++ {
			in := make([]StepSpec, n)
			for i := range in {
				in[i] = StepSpec{Title: fmt.Sprintf("s%d", i), DependsOn: []DepRef{{Index: idx}}}
			}
			steps := BuildPlanStepsFromSpecs(in, nil, BuildOptions{})
			for _, s := range steps {
				for _, dep := range s.DependsOn {
					var k int
					if _, err := fmt.Sscanf(dep, "step-%d", &k); err != nil || k < 1 || k > n {
						t.Fatalf("n=%d idx=%d: %s has out-of-batch dep %q", n, idx, s.ID, dep)
					}
				}
			}
		}
	}
}

func TestBuildPlanStepsFromSpecs_DependsOnTitles(t *testing.T) {
	in := specs("Open the site", "Log in", "Export report")
	in[1].DependsOn = []DepRef{{Title: "open THE site"}}
	in[2].DependsOn = []DepRef{{Title: "Log in"}, {Title: "Unknown step"}}

	steps := BuildPlanStepsFromSpecs(in, nil, BuildOptions{IDPrefix: "r1-"})
	if got := steps[1].DependsOn; len(got) != 1 || got[0] != "r1-step-1" {
		t.Errorf("step 2 deps: got %v", got)
	}
	if got := steps[2].DependsOn; len(got) != 1 || got[0] != "r1-step-2" {
		t.Errorf("step 3 deps: got %v", got)
	}
}

func TestBuildBranchSteps(t *testing.T) {
	alts := []Alternative{
		{Name: "Use search", Steps: specs("Open search", "Type query", "Open first result")},
		{Name: "Use sitemap", Rationale: "navigation may be hidden"},
		{Name: "Third", Steps: specs("x", "y", "z")},
	}
	branch := BuildBranchSteps(alts, BuildOptions{MaxAttempts: 2})
	if len(branch) != 6 {
		t.Fatalf("branch len: got %d, want 6", len(branch))
	}
	for _, s := range branch {
		if s.Phase != PhaseRecover {
			t.Errorf("%s: phase %q, want recover", s.ID, s.Phase)
		}
		if !strings.HasPrefix(s.ID, "branch-") {
			t.Errorf("%s: branch ids must be namespaced", s.ID)
		}
	}
	if branch[3].Title != "Use sitemap (navigation may be hidden)" {
		t.Errorf("title-only alternative: got %q", branch[3].Title)
	}
}
