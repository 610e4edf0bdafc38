package plan

import "strings"

// Critique is the planner's self-review. Empty lists are omitted.
type Critique struct {
	Assumptions  []string `json:"assumptions,omitempty"`
	Risks        []string `json:"risks,omitempty"`
	Unknowns     []string `json:"unknowns,omitempty"`
	SafetyChecks []string `json:"safety_checks,omitempty"`
	Questions    []string `json:"questions,omitempty"`
}

// Empty reports whether the critique carries nothing.
func (c *Critique) Empty() bool {
	return c == nil || len(c.Assumptions)+len(c.Risks)+len(c.Unknowns)+len(c.SafetyChecks)+len(c.Questions) == 0
}

// Alternative is a named fallback path.
type Alternative struct {
	Name      string     `json:"name"`
	Rationale string     `json:"rationale,omitempty"`
	Steps     []StepSpec `json:"steps,omitempty"`
}

// Meta is what the planner says about its plan.
type Meta struct {
	Critique       *Critique     `json:"critique,omitempty"`
	Alternatives   []Alternative `json:"alternatives,omitempty"`
	TaskType       TaskType      `json:"task_type,omitempty"`
	Summary        string        `json:"summary,omitempty"`
	Constraints    []string      `json:"constraints,omitempty"`
	SuccessSignals []string      `json:"success_signals,omitempty"`
	SafetyChecks   []string      `json:"safety_checks,omitempty"`
}

// AllSafetyChecks returns meta and critique safety checks, deduplicated case-insensitively.
func (m *Meta) AllSafetyChecks() []string {
	if m == nil {
		return nil
	}
	items := m.SafetyChecks
	if m.Critique != nil {
		items = append(append([]string{}, items...), m.Critique.SafetyChecks...)
	}
	return dedupe(items)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}
