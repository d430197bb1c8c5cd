// Package experiment governs the proposal lifecycle: approval, rejection,
// and the tracked execution record created for each approved proposal.
package experiment

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/northstar/internal/proposal"
)

// Status is the lifecycle state of an experiment. Transitions only move
// forward: running to completed or failed, never backward.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Experiment is the tracked execution record for an approved proposal.
// Exactly one experiment exists per approved proposal.
type Experiment struct {
	ID            string     `json:"id"`
	ProposalID    string     `json:"proposal_id"`
	Instruction   string     `json:"instruction"`
	Status        Status     `json:"status"`
	PRURL         string     `json:"pr_url,omitempty"` // set once the patch pipeline succeeds
	BranchName    string     `json:"branch_name,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// InvalidStateError reports an approval or rejection attempted against a
// proposal that is not pending. No mutation is performed.
type InvalidStateError struct {
	ProposalID string
	Status     proposal.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("proposal %s is %s, not pending", e.ProposalID, e.Status)
}
