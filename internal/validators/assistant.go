// Package validators holds the model-backed checks and tactical planners the
// engine consults while executing steps: extraction validation, selector
// inference, recovery planning, search-first decisions and resume review.
package validators

import (
	"context"
	"log/slog"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/models"
)

const defaultSelectorCacheSize = 256

// Assistant issues narrowly scoped model calls. Every call is audited and
// every failure degrades to a documented default.
type Assistant struct {
	gateway   models.Gateway
	audit     audit.Recorder
	model     string
	selectors *lru.Cache[string, map[string]string]
}

// Config wires an Assistant.
type Config struct {
	Gateway           models.Gateway
	Audit             audit.Recorder
	Model             string
	SelectorCacheSize int
}

// New creates an Assistant.
func New(cfg Config) *Assistant {
	size := cfg.SelectorCacheSize
	if size <= 0 {
		size = defaultSelectorCacheSize
	}
	cache, _ := lru.New[string, map[string]string](size)
	return &Assistant{
		gateway:   cfg.Gateway,
		audit:     cfg.Audit,
		model:     cfg.Model,
		selectors: cache,
	}
}

// ask runs one JSON completion and records the outcome.
func (a *Assistant) ask(ctx context.Context, runID, purpose, system, user string) (map[string]any, error) {
	if a.gateway == nil {
		return nil, models.ErrNoJSONObject
	}
	obj, err := models.CompleteObject(ctx, a.gateway, models.Request{
		Model:       a.model,
		System:      system,
		User:        user,
		Temperature: models.Temperature(0),
		Purpose:     purpose,
	})
	if err != nil {
		slog.Debug("assistant call failed", "purpose", purpose, "run_id", runID, "error", err)
		audit.Log(ctx, a.audit, runID, audit.LevelWarn, purpose+" failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	return obj, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
