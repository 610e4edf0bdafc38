// Package storage persists bus events next to the run artifacts.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/storage/artifacts"
)

// EventsFile is the per-run artifact holding the run's events.
const EventsFile = "events.jsonl"

// EventLogger persists bus events as JSONL: one file inside each run's
// artifact directory, plus a global file for events without a run.
type EventLogger struct {
	store       *artifacts.Store
	bus         *events.Bus
	unsubscribe func()

	mu      sync.Mutex
	deleted map[string]bool
}

// NewEventLogger subscribes to every bus event.
func NewEventLogger(store *artifacts.Store, bus *events.Bus) *EventLogger {
	el := &EventLogger{
		store:   store,
		bus:     bus,
		deleted: make(map[string]bool),
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

// Load returns the persisted events of a run.
func (el *EventLogger) Load(runID string) ([]events.Event, error) {
	return artifacts.LoadJSONL[events.Event](el.store, runID, EventsFile)
}

func (el *EventLogger) handleEvent(e events.Event) {
	if err := el.writeEvent(e); err != nil {
		slog.Debug("event log write failed", "run_id", e.RunID, "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	if e.RunID == "" {
		return el.writeGlobal(e)
	}

	el.mu.Lock()
	if e.Type == events.EventRunDeleted {
		el.deleted[e.RunID] = true
	}
	// A deleted run must not get its artifact directory back.
	skip := el.deleted[e.RunID]
	el.mu.Unlock()
	if skip {
		return el.writeGlobal(e)
	}
	return el.store.AppendJSONL(e.RunID, EventsFile, e)
}

func (el *EventLogger) writeGlobal(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	path := filepath.Join(el.store.BaseDir(), "_global.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}
