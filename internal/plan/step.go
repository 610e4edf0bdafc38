// Package plan turns prompts into ordered, dependency-aware step lists.
package plan

import "strings"

// Status is the lifecycle state of a step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Done reports whether the step will not run again.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Phase tags what a step is for.
type Phase string

const (
	PhaseObserve Phase = "observe"
	PhaseAct     Phase = "act"
	PhaseVerify  Phase = "verify"
	PhaseRecover Phase = "recover"
)

// ParsePhase lower-cases s and returns it when it names a known phase, else "".
func ParsePhase(s string) Phase {
	switch p := Phase(strings.ToLower(strings.TrimSpace(s))); p {
	case PhaseObserve, PhaseAct, PhaseVerify, PhaseRecover:
		return p
	}
	return ""
}

const (
	// ToolBrowser is the default tool binding.
	ToolBrowser = "playwright"
	// ToolNone marks steps resolved without calling a tool.
	ToolNone = "none"
)

// NormalizeTool returns ToolNone when explicitly requested, ToolBrowser otherwise.
func NormalizeTool(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), ToolNone) {
		return ToolNone
	}
	return ToolBrowser
}

// Step is one planned action.
type Step struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Status              Status   `json:"status"`
	Tool                string   `json:"tool"`
	URL                 string   `json:"url,omitempty"`
	ExpectedObservation string   `json:"expected_observation,omitempty"`
	SuccessCriteria     string   `json:"success_criteria,omitempty"`
	Phase               Phase    `json:"phase,omitempty"`
	Priority            *float64 `json:"priority,omitempty"`
	DependsOn           []string `json:"depends_on,omitempty"`
	GoalID              string   `json:"goal_id,omitempty"`
	SubgoalID           string   `json:"subgoal_id,omitempty"`
	Attempts            int      `json:"attempts"`
	MaxAttempts         int      `json:"max_attempts"`
	LastError           string   `json:"last_error,omitempty"`
	Observation         string   `json:"observation,omitempty"`
	RecoveredBy         string   `json:"recovered_by,omitempty"`
}

// DepRef is an unresolved dependency: a 1-based position in the batch, or a step title.
type DepRef struct {
	Index int    `json:"index,omitempty"`
	Title string `json:"title,omitempty"`
}

// StepSpec is a step as proposed by the planner, before ids and bookkeeping.
type StepSpec struct {
	Title               string   `json:"title"`
	Tool                string   `json:"tool,omitempty"`
	ExpectedObservation string   `json:"expected_observation,omitempty"`
	SuccessCriteria     string   `json:"success_criteria,omitempty"`
	Phase               string   `json:"phase,omitempty"`
	Priority            *float64 `json:"priority,omitempty"`
	DependsOn           []DepRef `json:"depends_on,omitempty"`
	GoalID              string   `json:"goal_id,omitempty"`
	SubgoalID           string   `json:"subgoal_id,omitempty"`
}

// IndexOf returns the position of the step with id, or -1.
func IndexOf(steps []Step, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

// ResolveActive picks the step to run: the preferred id when present, else the
// first step still to run, else the first not completed, else 0.
func ResolveActive(steps []Step, preferred string) int {
	if preferred != "" {
		if i := IndexOf(steps, preferred); i >= 0 {
			return i
		}
	}
	for i := range steps {
		if !steps[i].Status.Done() {
			return i
		}
	}
	for i := range steps {
		if steps[i].Status != StatusCompleted {
			return i
		}
	}
	return 0
}

// AllCompleted reports whether every step completed. An empty plan is not completed.
func AllCompleted(steps []Step) bool {
	if len(steps) == 0 {
		return false
	}
	for i := range steps {
		if steps[i].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Remaining returns the steps that have not finished yet.
func Remaining(steps []Step) []Step {
	var out []Step
	for _, s := range steps {
		if !s.Status.Done() {
			out = append(out, s)
		}
	}
	return out
}
