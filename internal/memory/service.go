package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
	"github.com/dohr-michael/agentrunner/internal/weburl"
)

const validationSystemPrompt = `You validate a memory before it is stored for future browser automation runs.
Reply with one JSON object only: {"valid": boolean, "issues": [string], "reason": string}.
Mark the memory invalid when:
- the task prompt targets a URL or domain that conflicts with metadata.url;
- the content is not supported by the prompt or the metadata;
- the content contains credentials or secrets.
When evidence is missing, prefer valid=false.`

const summarySystemPrompt = `You compress notes from a browser automation run into one reusable memory.
Reply with one JSON object only: {"summary": string}. Keep it under 300 characters. Keep URLs, names and numbers.`

// Candidate is a long-term memory proposed for storage.
type Candidate struct {
	RunID      string
	Prompt     string
	MemoryKey  string
	Content    string
	Summary    string
	Tags       []string
	Importance float64
	Metadata   map[string]any
}

// Validation is the verdict on a candidate.
type Validation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// AddResult reports what ValidateAndAddAgentLongTermMemory did.
type AddResult struct {
	Skipped    bool          `json:"skipped"`
	Validation Validation    `json:"validation"`
	Record     *LongTermItem `json:"record,omitempty"`
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Repository      Repository
	Gateway         models.Gateway
	Audit           audit.Recorder
	ValidationModel string
	SummaryModel    string
}

// Service is the memory store used by the engine.
type Service struct {
	repo            Repository
	gateway         models.Gateway
	audit           audit.Recorder
	validationModel string
	summaryModel    string
}

// NewService creates a Service. A nil repository behaves as unprovisioned.
func NewService(cfg ServiceConfig) *Service {
	repo := cfg.Repository
	if repo == nil {
		repo = Unprovisioned{}
	}
	return &Service{
		repo:            repo,
		gateway:         cfg.Gateway,
		audit:           cfg.Audit,
		validationModel: cfg.ValidationModel,
		summaryModel:    cfg.SummaryModel,
	}
}

// Provisioned reports whether memories are actually stored.
func (s *Service) Provisioned() bool { return s.repo.Provisioned() }

// AddAgentMemory appends a session note to a run.
func (s *Service) AddAgentMemory(ctx context.Context, runID, content string, metadata map[string]any) (*Item, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil
	}
	return s.repo.AddSession(ctx, Item{RunID: runID, Content: content, Metadata: metadata})
}

// ListAgentMemory returns the last limit session notes of a run, oldest first.
func (s *Service) ListAgentMemory(ctx context.Context, runID string, limit int) ([]Item, error) {
	return s.repo.ListSession(ctx, runID, limit)
}

// AddAgentLongTermMemory stores a long-term memory without validation.
func (s *Service) AddAgentLongTermMemory(ctx context.Context, item LongTermItem) (*LongTermItem, error) {
	item.Content = strings.TrimSpace(item.Content)
	if item.Content == "" || item.MemoryKey == "" {
		return nil, fmt.Errorf("add long-term memory: memory key and content are required")
	}
	item.Importance = min(max(item.Importance, 0), 1)
	return s.repo.AddLongTerm(ctx, item)
}

// ListAgentLongTermMemory returns long-term memories for a key, bumping their
// last access time.
func (s *Service) ListAgentLongTermMemory(ctx context.Context, q LongTermQuery) ([]LongTermItem, error) {
	return s.repo.ListLongTerm(ctx, q)
}

// ValidateAgentLongTermMemory asks the validation model whether c may be
// stored. Any failure to obtain a verdict is a rejection.
func (s *Service) ValidateAgentLongTermMemory(ctx context.Context, c Candidate) Validation {
	v := s.validate(ctx, c)
	level := audit.LevelInfo
	if !v.Valid {
		level = audit.LevelWarn
	}
	audit.Log(ctx, s.audit, c.RunID, level, "memory validation", map[string]any{
		"memory_key": c.MemoryKey,
		"valid":      v.Valid,
		"issues":     v.Issues,
		"reason":     v.Reason,
	})
	return v
}

func (s *Service) validate(ctx context.Context, c Candidate) Validation {
	if strings.TrimSpace(c.Content) == "" {
		return Validation{Issues: []string{"empty content"}, Reason: "nothing to store"}
	}
	if target, declared, conflict := hostsConflict(c.Prompt, c.Metadata); conflict {
		return Validation{
			Issues: []string{fmt.Sprintf("prompt targets %s but metadata.url is %s", target, declared)},
			Reason: "target mismatch",
		}
	}
	if s.gateway == nil {
		return Validation{Issues: []string{"validation model unavailable"}, Reason: "no gateway"}
	}

	payload, err := json.Marshal(map[string]any{
		"prompt":   c.Prompt,
		"content":  c.Content,
		"summary":  c.Summary,
		"metadata": c.Metadata,
	})
	if err != nil {
		return Validation{Issues: []string{"encode candidate: " + err.Error()}, Reason: "invalid candidate"}
	}
	obj, err := models.CompleteObject(ctx, s.gateway, models.Request{
		Model:       s.validationModel,
		System:      validationSystemPrompt,
		User:        string(payload),
		Temperature: models.Temperature(0),
		Purpose:     "memory_validation",
	})
	if err != nil {
		slog.Debug("memory validation failed", "run_id", c.RunID, "error", err)
		return Validation{Issues: []string{"validation unavailable: " + err.Error()}, Reason: "validator error"}
	}

	valid, ok := models.Bool(obj, "valid")
	v := Validation{
		Valid:  ok && valid,
		Issues: models.Strings(obj, "issues"),
		Reason: models.String(obj, "reason"),
	}
	if !ok {
		v.Issues = append(v.Issues, "validator response has no boolean valid field")
	}
	return v
}

// ValidateAndAddAgentLongTermMemory optionally summarizes c, validates it and
// stores it only when valid.
func (s *Service) ValidateAndAddAgentLongTermMemory(ctx context.Context, c Candidate, summarize bool) AddResult {
	if summarize {
		if summary := s.summarize(ctx, c); summary != "" {
			c.Summary = summary
		}
	}

	v := s.ValidateAgentLongTermMemory(ctx, c)
	if !v.Valid {
		return AddResult{Skipped: true, Validation: v}
	}
	rec, err := s.AddAgentLongTermMemory(ctx, LongTermItem{
		MemoryKey:  c.MemoryKey,
		Content:    c.Content,
		Summary:    c.Summary,
		Tags:       c.Tags,
		Importance: c.Importance,
		Metadata:   c.Metadata,
	})
	if err != nil {
		slog.Warn("store long-term memory", "run_id", c.RunID, "error", err)
		return AddResult{Skipped: true, Validation: v}
	}
	return AddResult{Skipped: rec == nil, Validation: v, Record: rec}
}

func (s *Service) summarize(ctx context.Context, c Candidate) string {
	if s.gateway == nil {
		return ""
	}
	obj, err := models.CompleteObject(ctx, s.gateway, models.Request{
		Model:       s.summaryModel,
		System:      summarySystemPrompt,
		User:        "Task: " + c.Prompt + "\n\nNotes:\n" + c.Content,
		Temperature: models.Temperature(0.2),
		Purpose:     "memory_summary",
	})
	if err != nil {
		slog.Debug("memory summary failed, keeping original", "run_id", c.RunID, "error", err)
		return ""
	}
	return models.String(obj, "summary")
}

// ContextFor assembles memory context for planning, most recent last:
// long-term summaries first, then the latest session notes.
func (s *Service) ContextFor(ctx context.Context, runID, memoryKey string, sessionLimit, longTermLimit int) []string {
	var out []string
	if longTermLimit > 0 && memoryKey != "" {
		items, err := s.ListAgentLongTermMemory(ctx, LongTermQuery{MemoryKey: memoryKey, Limit: longTermLimit})
		if err != nil {
			slog.Debug("long-term memory unavailable", "memory_key", memoryKey, "error", err)
		}
		for i := len(items) - 1; i >= 0; i-- {
			text := items[i].Summary
			if text == "" {
				text = items[i].Content
			}
			out = append(out, text)
		}
	}
	if sessionLimit > 0 {
		items, err := s.ListAgentMemory(ctx, runID, sessionLimit)
		if err != nil {
			slog.Debug("session memory unavailable", "run_id", runID, "error", err)
		}
		for _, it := range items {
			out = append(out, it.Content)
		}
	}
	return out
}

// FoldRequest describes session notes to fold into long-term memory.
type FoldRequest struct {
	RunID     string
	MemoryKey string
	Prompt    string
	// From is the number of session notes already folded.
	From int
	// Every is the minimum number of new notes before folding.
	Every int
}

// FoldSession summarizes the session notes after From into one validated
// long-term memory. It returns the new watermark; the watermark advances even
// when the memory is rejected so the same notes are not retried.
func (s *Service) FoldSession(ctx context.Context, req FoldRequest) (int, *AddResult) {
	items, err := s.ListAgentMemory(ctx, req.RunID, 0)
	if err != nil {
		slog.Debug("session memory unavailable", "run_id", req.RunID, "error", err)
		return req.From, nil
	}
	from := min(max(req.From, 0), len(items))
	if len(items)-from < max(req.Every, 1) {
		return req.From, nil
	}

	var sb strings.Builder
	var pageURL string
	for _, it := range items[from:] {
		fmt.Fprintf(&sb, "- %s\n", it.Content)
		if u, ok := it.Metadata["url"].(string); ok && u != "" {
			pageURL = u
		}
	}
	meta := map[string]any{"run_id": req.RunID, "notes": len(items) - from}
	if pageURL != "" {
		meta["url"] = pageURL
	}
	res := s.ValidateAndAddAgentLongTermMemory(ctx, Candidate{
		RunID:      req.RunID,
		Prompt:     req.Prompt,
		MemoryKey:  req.MemoryKey,
		Content:    strings.TrimSpace(sb.String()),
		Tags:       []string{"session-summary"},
		Importance: 0.5,
		Metadata:   meta,
	}, true)
	return len(items), &res
}

// hostsConflict reports a prompt that names a host different from metadata.url.
func hostsConflict(prompt string, metadata map[string]any) (string, string, bool) {
	declared, _ := metadata["url"].(string)
	declaredHost := weburl.Hostname(declared)
	if declaredHost == "" {
		return "", "", false
	}
	target := weburl.FindHost(prompt)
	if target == "" || weburl.Related(target, declaredHost) {
		return "", "", false
	}
	return target, declaredHost, true
}
