package plan

import (
	"regexp"
	"strings"
)

// Action is what the agent does next.
type Action string

const (
	ActionTool      Action = "tool"
	ActionRespond   Action = "respond"
	ActionWaitHuman Action = "wait_human"
)

// ParseAction returns the action named by s, or "".
func ParseAction(s string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionTool, ActionRespond, ActionWaitHuman:
		return a
	}
	return ""
}

// Decision is the agent's initial move for a run.
type Decision struct {
	Action   Action `json:"action"`
	Tool     string `json:"tool,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Response string `json:"response,omitempty"`
}

var webIntentRe = regexp.MustCompile(`(?i)\b(brows\w*|websites?|web\s?site|log\s?in|login|sign\s?in|signin)\b|https?://`)

// Decide derives the initial decision: an explicit model action wins, then
// "use the tool" when steps exist, then prompt and memory rules. It never
// returns an empty decision.
func Decide(explicit *Decision, steps []Step, prompt string, memory []string) Decision {
	if explicit != nil && explicit.Action != "" {
		return *explicit
	}
	if len(steps) > 0 {
		return Decision{Action: ActionTool, Tool: ToolBrowser, Reason: "plan has steps"}
	}
	if webIntentRe.MatchString(prompt) {
		return Decision{Action: ActionTool, Tool: ToolBrowser, Reason: "prompt asks for web interaction"}
	}
	if len(memory) > 0 {
		return Decision{Action: ActionRespond, Reason: "memory can answer the prompt"}
	}
	return Decision{Action: ActionWaitHuman, Reason: "nothing to act on"}
}
