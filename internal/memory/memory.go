// Package memory stores session notes per run and validated long-term
// memories per memory key.
package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item is a session memory entry. Items are append-only.
type Item struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LongTermItem is a memory shared by every run using the same memory key.
type LongTermItem struct {
	ID             string         `json:"id"`
	MemoryKey      string         `json:"memory_key"`
	Content        string         `json:"content"`
	Summary        string         `json:"summary,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Importance     float64        `json:"importance"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LongTermQuery selects long-term memories. Every tag must be present on a
// returned item; tags compare case-insensitively.
type LongTermQuery struct {
	MemoryKey string
	Tags      []string
	Limit     int
}

func (q LongTermQuery) matches(item LongTermItem) bool {
	for _, want := range q.Tags {
		found := false
		for _, have := range item.Tags {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func generateID(prefix string) string {
	u := uuid.New().String()
	return prefix + strings.ReplaceAll(u[:8], "-", "")
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
