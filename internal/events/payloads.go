package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// RUN EVENTS
// =============================================================================

type RunEnqueuedPayload struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

func (RunEnqueuedPayload) EventType() EventType { return EventRunEnqueued }

type RunStatusPayload struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

func (RunStatusPayload) EventType() EventType { return EventRunStatus }

type RunDeletedPayload struct {
	Status string `json:"status"`
}

func (RunDeletedPayload) EventType() EventType { return EventRunDeleted }

// =============================================================================
// PLAN EVENTS
// =============================================================================

type PlanBuiltPayload struct {
	Trigger string   `json:"trigger"`
	Source  string   `json:"source"`
	Steps   []string `json:"steps"`
}

func (PlanBuiltPayload) EventType() EventType { return EventPlanBuilt }

// =============================================================================
// STEP EVENTS
// =============================================================================

type StepStartedPayload struct {
	StepID  string `json:"step_id"`
	Title   string `json:"title"`
	Tool    string `json:"tool"`
	Attempt int    `json:"attempt"`
}

func (StepStartedPayload) EventType() EventType { return EventStepStarted }

type StepFinishedPayload struct {
	StepID      string        `json:"step_id"`
	Status      string        `json:"status"`
	Observation string        `json:"observation,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

func (StepFinishedPayload) EventType() EventType { return EventStepFinished }

type LoopGuardPayload struct {
	Mode   string        `json:"mode"`
	Streak int           `json:"streak"`
	Delay  time.Duration `json:"delay,omitempty"`
	StepID string        `json:"step_id,omitempty"`
}

func (LoopGuardPayload) EventType() EventType { return EventLoopGuard }

// =============================================================================
// MODEL EVENTS
// =============================================================================

// ModelCallPayload reports one phase of a completion: "request", "response" or "error".
type ModelCallPayload struct {
	Phase        string `json:"phase"`
	Purpose      string `json:"purpose,omitempty"`
	Model        string `json:"model,omitempty"`
	TokensInput  int    `json:"tokens_input,omitempty"`
	TokensOutput int    `json:"tokens_output,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (ModelCallPayload) EventType() EventType { return EventModelCall }

// =============================================================================
// AUDIT EVENTS
// =============================================================================

type AuditPayload struct {
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (AuditPayload) EventType() EventType { return EventAudit }

// =============================================================================
// MAINTENANCE EVENTS
// =============================================================================

type PurgePayload struct {
	Scope   string   `json:"scope"`
	Cutoff  string   `json:"cutoff,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (PurgePayload) EventType() EventType { return EventPurge }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, runID string, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		RunID:     runID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
