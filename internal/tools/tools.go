// Package tools defines the contract between the engine and the executors
// that carry out plan steps.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies a tool failure for recovery planning.
type FailureKind string

const (
	BadSelectors      FailureKind = "bad_selectors"
	LoginStuck        FailureKind = "login_stuck"
	MissingExtraction FailureKind = "missing_extraction"
	Timeout           FailureKind = "timeout"
)

// ParseFailureKind returns the kind named by s, or "".
func ParseFailureKind(s string) FailureKind {
	switch k := FailureKind(strings.ToLower(strings.TrimSpace(s))); k {
	case BadSelectors, LoginStuck, MissingExtraction, Timeout:
		return k
	}
	return ""
}

// ToolError is a typed step failure.
type ToolError struct {
	Kind    FailureKind
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Fail builds a ToolError.
func Fail(kind FailureKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Deadline errors are timeouts; untyped errors are "".
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return ""
}

// Request is one step handed to an executor.
type Request struct {
	RunID               string            `json:"run_id"`
	StepID              string            `json:"step_id"`
	Title               string            `json:"title"`
	Tool                string            `json:"tool"`
	ExpectedObservation string            `json:"expected_observation,omitempty"`
	SuccessCriteria     string            `json:"success_criteria,omitempty"`
	Prompt              string            `json:"prompt,omitempty"`
	URL                 string            `json:"url,omitempty"`
	Selectors           map[string]string `json:"selectors,omitempty"`
	Extract             bool              `json:"extract,omitempty"`
	// Fields lists what an extraction step should capture.
	Fields []string `json:"fields,omitempty"`
}

// Item is one extracted value with the evidence it came from.
type Item struct {
	Value     string `json:"value"`
	Evidence  string `json:"evidence,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// Observation is what an executor saw after running a step.
type Observation struct {
	Summary     string `json:"summary"`
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Items       []Item `json:"items,omitempty"`
}

// Executor runs steps for one tool.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Observation, error)
}

// Snapshotter is implemented by executors that can describe their current
// state for planning.
type Snapshotter interface {
	Snapshot(ctx context.Context, runID string) (string, error)
}

// Releaser is implemented by executors holding per-run state.
type Releaser interface {
	Release(runID string)
}

// Fingerprint hashes the parts of a state that identify it.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
