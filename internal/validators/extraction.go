package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
	"github.com/dohr-michael/agentrunner/internal/tools"
	"github.com/dohr-michael/agentrunner/internal/weburl"
)

const extractionSystemPrompt = `You check data extracted from web pages.
Reply with one JSON object only:
{"acceptedItems": [string], "rejectedItems": [{"value": string, "reason": string}], "issues": [string], "missingCount": number}
Accept an item only when its evidence supports it and its source hostname matches the target hostname.
Reject duplicates, navigation labels and placeholders.`

// ExtractionInput is a batch of candidates for one extraction step.
type ExtractionInput struct {
	RunID         string
	Prompt        string
	StepTitle     string
	TargetHost    string
	RequiredCount int
	Items         []tools.Item
}

// Rejection is a candidate refused by validation.
type Rejection struct {
	Item   tools.Item `json:"item"`
	Reason string     `json:"reason"`
}

// ExtractionResult partitions the candidates.
type ExtractionResult struct {
	Valid        bool         `json:"valid"`
	Accepted     []tools.Item `json:"accepted"`
	Rejected     []Rejection  `json:"rejected,omitempty"`
	Issues       []string     `json:"issues,omitempty"`
	MissingCount int          `json:"missing_count"`
	// FailOpen is set when the model was unavailable and evidence decided.
	FailOpen bool `json:"fail_open,omitempty"`
}

// ValidateExtraction asks the model to partition items. Items from another
// host are always rejected. When the model cannot answer, every item carrying
// evidence is accepted. Valid means at least RequiredCount items were accepted.
func (a *Assistant) ValidateExtraction(ctx context.Context, in ExtractionInput) ExtractionResult {
	required := max(in.RequiredCount, 1)
	var res ExtractionResult

	candidates := make([]tools.Item, 0, len(in.Items))
	for _, it := range in.Items {
		if in.TargetHost != "" && it.SourceURL != "" && !weburl.SameSite(it.SourceURL, in.TargetHost) {
			res.Rejected = append(res.Rejected, Rejection{Item: it, Reason: fmt.Sprintf("source %s is not %s", weburl.Hostname(it.SourceURL), weburl.Hostname(in.TargetHost))})
			continue
		}
		candidates = append(candidates, it)
	}

	obj, err := a.ask(ctx, in.RunID, "extraction_validation", extractionSystemPrompt, extractionPrompt(in, candidates))
	if err != nil {
		res.FailOpen = true
		for _, it := range candidates {
			if strings.TrimSpace(it.Evidence) == "" {
				res.Rejected = append(res.Rejected, Rejection{Item: it, Reason: "no evidence"})
				continue
			}
			res.Accepted = append(res.Accepted, it)
		}
		res.Issues = append(res.Issues, "validation model unavailable, accepted items with evidence")
	} else {
		byValue := make(map[string]tools.Item, len(candidates))
		for _, it := range candidates {
			byValue[strings.ToLower(strings.TrimSpace(it.Value))] = it
		}
		taken := map[string]bool{}
		for _, raw := range acceptedValues(obj["acceptedItems"]) {
			key := strings.ToLower(strings.TrimSpace(raw))
			it, ok := byValue[key]
			if !ok || taken[key] {
				continue
			}
			taken[key] = true
			res.Accepted = append(res.Accepted, it)
		}
		reasons := map[string]string{}
		for _, rm := range models.Objects(obj, "rejectedItems") {
			reasons[strings.ToLower(models.String(rm, "value"))] = models.String(rm, "reason")
		}
		for _, it := range candidates {
			key := strings.ToLower(strings.TrimSpace(it.Value))
			if taken[key] {
				continue
			}
			reason := reasons[key]
			if reason == "" {
				reason = "not accepted by validator"
			}
			res.Rejected = append(res.Rejected, Rejection{Item: it, Reason: reason})
		}
		res.Issues = append(res.Issues, models.Strings(obj, "issues")...)
		if n, ok := models.Int(obj, "missingCount"); ok && n > 0 {
			res.MissingCount = n
		}
	}

	if short := required - len(res.Accepted); short > res.MissingCount {
		res.MissingCount = short
	}
	res.Valid = len(res.Accepted) >= required

	audit.Log(ctx, a.audit, in.RunID, audit.LevelInfo, "extraction validated", map[string]any{
		"step":       in.StepTitle,
		"candidates": len(in.Items),
		"accepted":   len(res.Accepted),
		"rejected":   len(res.Rejected),
		"required":   required,
		"valid":      res.Valid,
		"fail_open":  res.FailOpen,
	})
	return res
}

// acceptedValues reads strings or {"value": ...} objects.
func acceptedValues(v any) []string {
	arr, _ := v.([]any)
	var out []string
	for _, raw := range arr {
		switch it := raw.(type) {
		case string:
			out = append(out, it)
		case map[string]any:
			if s := models.String(it, "value"); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func extractionPrompt(in ExtractionInput, items []tools.Item) string {
	type entry struct {
		Value    string `json:"value"`
		Evidence string `json:"evidence"`
		Source   string `json:"source"`
	}
	entries := make([]entry, len(items))
	for i, it := range items {
		entries[i] = entry{Value: it.Value, Evidence: truncate(it.Evidence, 300), Source: it.SourceURL}
	}
	data, _ := json.Marshal(entries)
	return fmt.Sprintf("Task: %s\nStep: %s\nTarget hostname: %s\nRequired count: %d\nCandidates: %s",
		in.Prompt, in.StepTitle, weburl.Hostname(in.TargetHost), max(in.RequiredCount, 1), data)
}
