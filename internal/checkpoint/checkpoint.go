// Package checkpoint persists the resumable state of a run inside its run record.
package checkpoint

import (
	"time"

	"github.com/dohr-michael/agentrunner/internal/loopguard"
	"github.com/dohr-michael/agentrunner/internal/plan"
)

// Version is the current checkpoint layout.
const Version = 1

// Preferences are per-run choices made at enqueue time.
type Preferences struct {
	RequireHumanApproval bool               `json:"require_human_approval,omitempty"`
	Settings             plan.SettingsInput `json:"settings,omitempty"`
}

// Checkpoint is the durable state of a run. The engine owns every field
// except ResumeRequestedAt and ApprovalGrantedStepID, which external actors set.
type Checkpoint struct {
	Version int `json:"version"`

	Steps        []plan.Step     `json:"steps"`
	Branch       []plan.Step     `json:"branch,omitempty"`
	BranchUsed   bool            `json:"branch_used,omitempty"`
	Hierarchy    *plan.Hierarchy `json:"hierarchy,omitempty"`
	Decision     plan.Decision   `json:"decision"`
	Source       plan.Source     `json:"source,omitempty"`
	ActiveStepID string          `json:"active_step_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	TaskType     plan.TaskType   `json:"task_type,omitempty"`

	ResumeRequestedAt *time.Time `json:"resume_requested_at,omitempty"`
	ResumeProcessedAt *time.Time `json:"resume_processed_at,omitempty"`
	ResumeSummary     string     `json:"resume_summary,omitempty"`

	ApprovalRequestedStepID string     `json:"approval_requested_step_id,omitempty"`
	ApprovalGrantedStepID   string     `json:"approval_granted_step_id,omitempty"`
	ApprovalRequestedAt     *time.Time `json:"approval_requested_at,omitempty"`

	// SummaryCheckpoint is the number of session memory items already
	// folded into long-term memory.
	SummaryCheckpoint int `json:"summary_checkpoint"`
	ReplanCalls       int `json:"replan_calls"`
	RecoveryCalls     int `json:"recovery_calls"`
	SelfChecks        int `json:"self_checks"`
	// Completed counts steps finished in this run, across replans.
	Completed int `json:"completed"`

	Settings    plan.Settings   `json:"settings"`
	Preferences Preferences     `json:"preferences"`
	Guard       loopguard.State `json:"guard"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Planned reports whether a plan was ever built into this checkpoint. Markers
// set before the first plan produce an unplanned checkpoint.
func (c *Checkpoint) Planned() bool {
	return c != nil && c.Source != ""
}

// ResumePending reports whether a resume request has not been processed yet.
func (c *Checkpoint) ResumePending() bool {
	if c.ResumeRequestedAt == nil {
		return false
	}
	return c.ResumeProcessedAt == nil || !c.ResumeRequestedAt.Equal(*c.ResumeProcessedAt)
}

// MarkResumeProcessed copies the request marker into the processed marker.
func (c *Checkpoint) MarkResumeProcessed() {
	if c.ResumeRequestedAt == nil {
		return
	}
	t := *c.ResumeRequestedAt
	c.ResumeProcessedAt = &t
}

// ApprovalPending reports whether a step is parked waiting for approval.
func (c *Checkpoint) ApprovalPending() bool {
	return c.ApprovalRequestedStepID != "" && c.ApprovalGrantedStepID != c.ApprovalRequestedStepID
}

// Approved reports whether stepID has been granted.
func (c *Checkpoint) Approved(stepID string) bool {
	return stepID != "" && c.ApprovalGrantedStepID == stepID
}

// ActiveIndex resolves the active step index.
func (c *Checkpoint) ActiveIndex() int {
	return plan.ResolveActive(c.Steps, c.ActiveStepID)
}

// ActiveStep returns the active step, or nil for an empty plan.
func (c *Checkpoint) ActiveStep() *plan.Step {
	if len(c.Steps) == 0 {
		return nil
	}
	return &c.Steps[c.ActiveIndex()]
}
