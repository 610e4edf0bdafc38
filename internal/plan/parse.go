package plan

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/models"
)

// Response is a planner reply reduced to its typed parts.
type Response struct {
	Hierarchy *Hierarchy
	Specs     []StepSpec
	Meta      *Meta
	Decision  *Decision
}

// ParseResponse reads the typed subset of a decoded planner object.
// A goals array wins over a flat steps list.
func ParseResponse(obj map[string]any) Response {
	var r Response
	if obj == nil {
		return r
	}
	if h := ParseHierarchy(obj); h != nil && h.StepCount() > 0 {
		r.Hierarchy = h
		r.Specs = h.Flatten()
	} else {
		r.Specs = ParseStepSpecs(pick(obj, "steps", "plan"))
	}
	r.Meta = ParseMeta(obj)
	r.Decision = parseDecision(obj)
	return r
}

// ParseHierarchy builds a hierarchy from a goals array, or nil when absent.
// Goals and subgoals get fresh ids. A subgoal without steps becomes one step
// named after it; a goal without subgoals becomes one subgoal.
func ParseHierarchy(obj map[string]any) *Hierarchy {
	goals, ok := obj["goals"].([]any)
	if !ok {
		return nil
	}
	h := &Hierarchy{}
	for _, raw := range goals {
		gm, ok := raw.(map[string]any)
		if !ok {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				gm = map[string]any{"title": s}
			} else {
				continue
			}
		}
		g := Goal{
			ID:              newGoalID(),
			Title:           firstString(gm, "title", "name", "goal"),
			SuccessCriteria: criteria(pick(gm, "successCriteria", "success_criteria")),
			Priority:        models.Number(gm, "priority"),
			DependsOn:       models.StringList(pick(gm, "dependsOn", "depends_on")),
		}
		for _, rawSub := range listOf(pick(gm, "subgoals", "sub_goals")) {
			sm, ok := rawSub.(map[string]any)
			if !ok {
				if s, ok := rawSub.(string); ok && strings.TrimSpace(s) != "" {
					sm = map[string]any{"title": s}
				} else {
					continue
				}
			}
			sg := Subgoal{
				ID:              newSubgoalID(),
				Title:           firstString(sm, "title", "name", "subgoal"),
				SuccessCriteria: criteria(pick(sm, "successCriteria", "success_criteria")),
				Priority:        models.Number(sm, "priority"),
				DependsOn:       models.StringList(pick(sm, "dependsOn", "depends_on")),
				Steps:           ParseStepSpecs(sm["steps"]),
			}
			if len(sg.Steps) == 0 && sg.Title != "" {
				sg.Steps = []StepSpec{{Title: sg.Title, SuccessCriteria: sg.SuccessCriteria}}
			}
			if len(sg.Steps) > 0 {
				g.Subgoals = append(g.Subgoals, sg)
			}
		}
		if len(g.Subgoals) == 0 {
			steps := ParseStepSpecs(gm["steps"])
			if len(steps) == 0 && g.Title != "" {
				steps = []StepSpec{{Title: g.Title, SuccessCriteria: g.SuccessCriteria}}
			}
			if len(steps) > 0 {
				g.Subgoals = []Subgoal{{ID: newSubgoalID(), Title: g.Title, Steps: steps}}
			}
		}
		if len(g.Subgoals) > 0 {
			h.Goals = append(h.Goals, g)
		}
	}
	return h
}

// ParseStepSpecs reads an array of step objects or plain titles.
func ParseStepSpecs(v any) []StepSpec {
	var out []StepSpec
	for _, raw := range listOf(v) {
		switch item := raw.(type) {
		case string:
			if t := strings.TrimSpace(item); t != "" {
				out = append(out, StepSpec{Title: t})
			}
		case map[string]any:
			if spec, ok := parseStepSpec(item); ok {
				out = append(out, spec)
			}
		}
	}
	return out
}

func parseStepSpec(m map[string]any) (StepSpec, bool) {
	spec := StepSpec{
		Title:               firstString(m, "title", "name", "action", "description"),
		Tool:                firstString(m, "tool"),
		ExpectedObservation: firstString(m, "expectedObservation", "expected_observation"),
		SuccessCriteria:     criteria(pick(m, "successCriteria", "success_criteria")),
		Phase:               firstString(m, "phase"),
		Priority:            models.Number(m, "priority"),
		DependsOn:           parseDepRefs(pick(m, "dependsOn", "depends_on")),
	}
	return spec, spec.Title != ""
}

var stepRefRe = regexp.MustCompile(`^(?i)step[-_ ]?(\d+)$`)

func parseDepRefs(v any) []DepRef {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var refs []DepRef
	for _, raw := range arr {
		switch d := raw.(type) {
		case float64:
			if d == float64(int(d)) {
				refs = append(refs, DepRef{Index: int(d)})
			}
		case string:
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			if m := stepRefRe.FindStringSubmatch(d); m != nil {
				n, _ := strconv.Atoi(m[1])
				refs = append(refs, DepRef{Index: n})
				continue
			}
			refs = append(refs, DepRef{Title: d})
		}
	}
	return refs
}

var metaKeys = []string{"critique", "alternatives", "taskType", "task_type", "summary", "constraints",
	"successSignals", "success_signals", "safetyChecks", "safety_checks"}

// ParseMeta reads planner metadata, or nil when the object carries none.
func ParseMeta(obj map[string]any) *Meta {
	src := obj
	if m := models.Object(obj, "meta"); m != nil {
		src = m
	}
	present := false
	for _, k := range metaKeys {
		if _, ok := src[k]; ok {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	m := &Meta{
		TaskType:       ParseTaskType(firstString(src, "taskType", "task_type")),
		Summary:        firstString(src, "summary"),
		Constraints:    models.StringList(pick(src, "constraints")),
		SuccessSignals: models.StringList(pick(src, "successSignals", "success_signals")),
		SafetyChecks:   models.StringList(pick(src, "safetyChecks", "safety_checks")),
	}
	if c := ParseCritique(models.Object(src, "critique")); !c.Empty() {
		m.Critique = c
	}
	for _, raw := range listOf(src["alternatives"]) {
		am, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		alt := Alternative{
			Name:      firstString(am, "name", "title"),
			Rationale: firstString(am, "rationale", "reason"),
			Steps:     ParseStepSpecs(am["steps"]),
		}
		if alt.Name != "" || len(alt.Steps) > 0 {
			m.Alternatives = append(m.Alternatives, alt)
		}
	}
	return m
}

// ParseCritique reads a critique object.
func ParseCritique(obj map[string]any) *Critique {
	if obj == nil {
		return nil
	}
	return &Critique{
		Assumptions:  models.StringList(pick(obj, "assumptions")),
		Risks:        models.StringList(pick(obj, "risks")),
		Unknowns:     models.StringList(pick(obj, "unknowns")),
		SafetyChecks: models.StringList(pick(obj, "safetyChecks", "safety_checks")),
		Questions:    models.StringList(pick(obj, "questions")),
	}
}

func parseDecision(obj map[string]any) *Decision {
	src := models.Object(obj, "decision")
	if src == nil {
		src = obj
	}
	action := ParseAction(firstString(src, "action"))
	if action == "" {
		return nil
	}
	d := &Decision{
		Action:   action,
		Tool:     firstString(src, "tool"),
		Reason:   firstString(src, "reason"),
		Response: firstString(src, "response", "message"),
	}
	if d.Action == ActionTool {
		d.Tool = NormalizeTool(d.Tool)
	}
	return d
}

func pick(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := models.String(obj, k); s != "" {
			return s
		}
	}
	return ""
}

func listOf(v any) []any {
	arr, _ := v.([]any)
	return arr
}

// criteria accepts a string or a list of strings.
func criteria(v any) string {
	switch c := v.(type) {
	case string:
		return strings.TrimSpace(c)
	case []any:
		return strings.Join(models.StringList(c), "; ")
	}
	return ""
}
