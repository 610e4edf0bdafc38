package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedVersion is returned for checkpoints written by a newer layout.
var ErrUnsupportedVersion = errors.New("unsupported checkpoint version")

// Backend reads and transactionally rewrites the opaque plan state of a run.
type Backend interface {
	PlanState(ctx context.Context, runID string) (json.RawMessage, error)
	UpdatePlanState(ctx context.Context, runID string, fn func(json.RawMessage) (json.RawMessage, error)) error
}

// Store loads and saves checkpoints.
type Store struct {
	backend Backend
	now     func() time.Time
}

// NewStore creates a checkpoint store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// Decode parses a stored checkpoint. Empty input yields nil.
func Decode(raw json.RawMessage) (*Checkpoint, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, cp.Version)
	}
	cp.Version = Version
	return &cp, nil
}

func (s *Store) encode(cp *Checkpoint) (json.RawMessage, error) {
	cp.Version = Version
	cp.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Load returns the checkpoint of a run, or nil when none was written yet.
func (s *Store) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	raw, err := s.backend.PlanState(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return Decode(raw)
}

// Save writes cp, keeping the externally owned markers already stored.
// cp is refreshed with those markers so the caller sees grants and resume
// requests that arrived since its last save.
func (s *Store) Save(ctx context.Context, runID string, cp *Checkpoint) error {
	err := s.backend.UpdatePlanState(ctx, runID, func(raw json.RawMessage) (json.RawMessage, error) {
		current, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		if current != nil {
			cp.ApprovalGrantedStepID = current.ApprovalGrantedStepID
			cp.ResumeRequestedAt = current.ResumeRequestedAt
		}
		return s.encode(cp)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Mutate applies fn to the stored checkpoint, creating an empty one when the
// run has none. It is the write path for actors other than the engine.
func (s *Store) Mutate(ctx context.Context, runID string, fn func(*Checkpoint) error) error {
	err := s.backend.UpdatePlanState(ctx, runID, func(raw json.RawMessage) (json.RawMessage, error) {
		cp, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			cp = &Checkpoint{}
		}
		if err := fn(cp); err != nil {
			return nil, err
		}
		return s.encode(cp)
	})
	if err != nil {
		return fmt.Errorf("mutate checkpoint: %w", err)
	}
	return nil
}

// RequestResume records a new resume request.
func (s *Store) RequestResume(ctx context.Context, runID string) error {
	now := s.now().UTC()
	return s.Mutate(ctx, runID, func(cp *Checkpoint) error {
		cp.ResumeRequestedAt = &now
		return nil
	})
}

// GrantApproval sets the approval marker for stepID.
func (s *Store) GrantApproval(ctx context.Context, runID, stepID string) error {
	return s.Mutate(ctx, runID, func(cp *Checkpoint) error {
		cp.ApprovalGrantedStepID = stepID
		return nil
	})
}
