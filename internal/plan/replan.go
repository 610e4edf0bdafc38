package plan

import (
	"regexp"
	"strings"
)

// TaskType classifies what the run is after.
type TaskType string

const (
	TaskWeb     TaskType = "web_task"
	TaskExtract TaskType = "extract_info"
)

// ParseTaskType returns the task type named by s, or "".
func ParseTaskType(s string) TaskType {
	switch t := TaskType(strings.ToLower(strings.TrimSpace(s))); t {
	case TaskWeb, TaskExtract:
		return t
	}
	return ""
}

// ShouldEvaluateReplan reports whether finishing the step at index is a
// periodic replan checkpoint: plans of at least 3 steps, every `every` steps.
func ShouldEvaluateReplan(index, total, every int) bool {
	if total < 3 || every <= 0 || index < 0 || index >= total {
		return false
	}
	return (index+1)%every == 0
}

var (
	extractVerbRe = regexp.MustCompile(`\b(extract|collect|find|list|get)`)
	extractNounRe = regexp.MustCompile(`\b(products?|e-?mails?)\b`)
)

// IsExtractionStep reports whether a step gathers data and must be validated as such.
func IsExtractionStep(step Step, prompt string, taskType TaskType) bool {
	if taskType == TaskExtract {
		return true
	}
	text := strings.ToLower(step.Title + " " + step.ExpectedObservation + " " + prompt)
	return extractVerbRe.MatchString(text) && extractNounRe.MatchString(text)
}
