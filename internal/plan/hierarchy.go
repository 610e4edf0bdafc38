package plan

import (
	"strings"

	"github.com/google/uuid"
)

// Goal is the top level of a plan hierarchy.
type Goal struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	SuccessCriteria string    `json:"success_criteria,omitempty"`
	Priority        *float64  `json:"priority,omitempty"`
	DependsOn       []string  `json:"depends_on,omitempty"`
	Subgoals        []Subgoal `json:"subgoals"`
}

// Subgoal groups the step specs of one goal.
type Subgoal struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	SuccessCriteria string     `json:"success_criteria,omitempty"`
	Priority        *float64   `json:"priority,omitempty"`
	DependsOn       []string   `json:"depends_on,omitempty"`
	Steps           []StepSpec `json:"steps"`
}

// Hierarchy is an ordered list of goals.
type Hierarchy struct {
	Goals []Goal `json:"goals"`
}

// Flatten returns the leaf step specs in order, each tagged with its goal and
// subgoal ids. Priority resolves step, then subgoal, then goal.
func (h *Hierarchy) Flatten() []StepSpec {
	if h == nil {
		return nil
	}
	var out []StepSpec
	for _, g := range h.Goals {
		for _, sg := range g.Subgoals {
			for _, spec := range sg.Steps {
				spec.GoalID = g.ID
				spec.SubgoalID = sg.ID
				switch {
				case spec.Priority != nil:
				case sg.Priority != nil:
					spec.Priority = sg.Priority
				case g.Priority != nil:
					spec.Priority = g.Priority
				}
				out = append(out, spec)
			}
		}
	}
	return out
}

// StepCount returns the number of leaf steps.
func (h *Hierarchy) StepCount() int {
	if h == nil {
		return 0
	}
	n := 0
	for _, g := range h.Goals {
		for _, sg := range g.Subgoals {
			n += len(sg.Steps)
		}
	}
	return n
}

func newGoalID() string {
	return "goal_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}

func newSubgoalID() string {
	return "subgoal_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}

// Truncate returns a copy holding only the first n leaf steps. Emptied
// subgoals and goals are dropped.
func (h *Hierarchy) Truncate(n int) *Hierarchy {
	if h == nil || h.StepCount() <= n {
		return h
	}
	out := &Hierarchy{}
	for _, g := range h.Goals {
		if n <= 0 {
			break
		}
		ng := g
		ng.Subgoals = nil
		for _, sg := range g.Subgoals {
			if n <= 0 {
				break
			}
			nsg := sg
			nsg.Steps = capList(sg.Steps, n)
			n -= len(nsg.Steps)
			ng.Subgoals = append(ng.Subgoals, nsg)
		}
		out.Goals = append(out.Goals, ng)
	}
	return out
}
