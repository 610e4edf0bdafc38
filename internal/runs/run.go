// Package runs persists run records: one prompt driven to a terminal status.
package runs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusRunning      Status = "running"
	StatusWaitingHuman Status = "waiting_human"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
	StatusCanceled     Status = "canceled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued, StatusRunning, StatusWaitingHuman,
	StatusCompleted, StatusFailed, StatusStopped, StatusCanceled,
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusWaitingHuman, StatusCompleted, StatusFailed, StatusStopped, StatusCanceled:
		return true
	}
	return false
}

// Bulk-deletion scopes. ScopeTerminal covers finished or parked runs and
// ScopeFinished adds canceled runs to it.
const (
	ScopeTerminal = "terminal"
	ScopeFinished = "finished"
)

// DeletableStatuses returns the statuses a bulk-deletion scope covers.
func DeletableStatuses(scope string) ([]Status, error) {
	switch scope {
	case ScopeTerminal, "":
		return []Status{StatusCompleted, StatusFailed, StatusStopped, StatusWaitingHuman}, nil
	case ScopeFinished:
		return []Status{StatusCompleted, StatusFailed, StatusStopped, StatusWaitingHuman, StatusCanceled}, nil
	default:
		return nil, errors.New("unknown deletion scope: " + scope)
	}
}

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one task execution.
type Run struct {
	ID           string          `json:"id"`
	Prompt       string          `json:"prompt"`
	Model        string          `json:"model,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	Status       Status          `json:"status"`
	MemoryKey    string          `json:"memory_key,omitempty"`
	PlanState    json.RawMessage `json:"plan_state,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LogLines     []string        `json:"log_lines,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// EffectiveMemoryKey returns the memory key, defaulting to the run id.
func (r *Run) EffectiveMemoryKey() string {
	if strings.TrimSpace(r.MemoryKey) != "" {
		return r.MemoryKey
	}
	return r.ID
}

// NewRun describes a run to enqueue.
type NewRun struct {
	Prompt    string          `json:"prompt"`
	Model     string          `json:"model,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	MemoryKey string          `json:"memory_key,omitempty"`
	PlanState json.RawMessage `json:"plan_state,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	Statuses []Status
	Limit    int
}

func newID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String()[:13], "-", "")
}
