// Package proposal defines experiment proposals and the engine that
// generates them from codebase context.
package proposal

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	// StatusPending awaits a human approval decision.
	StatusPending Status = "pending"
	// StatusApproved has been accepted; an experiment is running.
	StatusApproved Status = "approved"
	// StatusRejected is terminal; no experiment is ever created.
	StatusRejected Status = "rejected"
	// StatusCompleted is terminal; the experiment concluded.
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

// ExpectedImpact is the predicted effect on a product metric.
type ExpectedImpact struct {
	Metric   string  `json:"metric"`
	DeltaPct float64 `json:"delta_pct"`
}

// PlanStep is one ordered entry of a technical plan.
type PlanStep struct {
	File   string `json:"file"`
	Action string `json:"action"`
}

// Proposal is a candidate experiment awaiting human approval.
//
// Status is mutated only by the experiment state machine; once a proposal is
// rejected or completed it is immutable except for the outcome note added on
// completion.
type Proposal struct {
	ID            string         `json:"id"`
	IdeaSummary   string         `json:"idea_summary"`
	Rationale     string         `json:"rationale"`
	Impact        ExpectedImpact `json:"expected_impact"`
	TechnicalPlan []PlanStep     `json:"technical_plan"`
	Confidence    float64        `json:"confidence"`
	PatchBlock    string         `json:"patch_block"`
	Status        Status         `json:"status"`
	RepoID        string         `json:"repo_id,omitempty"` // empty means unassigned
	OutcomeNote   string         `json:"outcome_note,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NoOp reports whether the proposal carries no actionable patch.
// A no-op proposal can never transition to approved.
func (p *Proposal) NoOp() bool {
	return p.PatchBlock == ""
}

// ValidationError reports a proposal that fails a lifecycle precondition.
type ValidationError struct {
	ProposalID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("proposal %s: invalid %s: %s", e.ProposalID, e.Field, e.Reason)
}
