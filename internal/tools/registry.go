package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownTool is returned for a tool name with no executor.
var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding the "none" executor.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("none", None{})
	return r
}

// Register binds name to e, replacing any previous binding.
func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = e
}

// Get returns the executor for name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot asks the executor bound to name for a state summary. Executors
// without snapshots, and failures, yield "".
func (r *Registry) Snapshot(ctx context.Context, name, runID string) string {
	e, err := r.Get(name)
	if err != nil {
		return ""
	}
	s, ok := e.(Snapshotter)
	if !ok {
		return ""
	}
	text, err := s.Snapshot(ctx, runID)
	if err != nil {
		slog.Debug("tool snapshot failed", "tool", name, "run_id", runID, "error", err)
		return ""
	}
	return text
}

// Release frees per-run state held by every executor.
func (r *Registry) Release(runID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.executors {
		if rel, ok := e.(Releaser); ok {
			rel.Release(runID)
		}
	}
}

// None resolves steps that need no tool call.
type None struct{}

// Execute records the step as noted.
func (None) Execute(_ context.Context, req Request) (*Observation, error) {
	return &Observation{
		Summary:     "noted: " + req.Title,
		Fingerprint: Fingerprint(req.StepID, req.Title),
	}, nil
}
