package plan

import (
	"regexp"
	"strings"
)

// Source records where a plan came from.
type Source string

const (
	SourceHierarchy Source = "model_hierarchy"
	SourceModel     Source = "model_steps"
	SourceLogin     Source = "fallback_login"
	SourceBrowse    Source = "fallback_browse"
	SourceSentences Source = "fallback_sentences"
	SourceEmpty     Source = "empty"
)

var loginSteps = []string{
	"Open the target website.",
	"Locate the sign-in form.",
	"Fill in the credentials.",
	"Submit the form and wait for the next page.",
	"Verify the expected page or account state.",
}

var browseSteps = []string{
	"Open the target website.",
	"Review the visible page content.",
	"Navigate to the section relevant to the request.",
	"Capture the requested information from the page.",
}

var (
	loginIntentRe  = regexp.MustCompile(`(?i)\b(log\s?in|login|sign\s?in|signin)\b`)
	browseIntentRe = regexp.MustCompile(`(?i)\b(brows\w*|navigate|visit|websites?|web\s?site)\b`)
	sentenceEndRe  = regexp.MustCompile(`[.!?]+(\s+|$)|\n+`)
)

// FallbackSpecs returns the deterministic plan used when the model produced nothing.
func FallbackSpecs(prompt string, maxSteps int) ([]StepSpec, Source) {
	switch {
	case loginIntentRe.MatchString(prompt):
		return titlesToSpecs(loginSteps), SourceLogin
	case browseIntentRe.MatchString(prompt):
		return titlesToSpecs(browseSteps), SourceBrowse
	}

	var titles []string
	for _, part := range sentenceEndRe.Split(prompt, -1) {
		if t := strings.TrimSpace(part); t != "" {
			titles = append(titles, t)
		}
	}
	if len(titles) == 0 {
		return nil, SourceEmpty
	}
	return titlesToSpecs(capList(titles, max(maxSteps, 1))), SourceSentences
}

func titlesToSpecs(titles []string) []StepSpec {
	specs := make([]StepSpec, len(titles))
	for i, t := range titles {
		specs[i] = StepSpec{Title: t}
	}
	return specs
}
