package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
)

const experimentColumns = `id, proposal_id, instruction, status, COALESCE(pr_url,''),
	branch_name, failure_reason, created_at, completed_at`

// ErrExperimentExists indicates an experiment already exists for the proposal.
var ErrExperimentExists = errExperimentExists{}

type errExperimentExists struct{}

func (errExperimentExists) Error() string { return "experiment already exists for proposal" }

// CreateExperiment inserts the execution record for an approved proposal.
// The unique index on proposal_id enforces at most one experiment per
// proposal; a second insert returns ErrExperimentExists.
func (s *Store) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, proposal_id, instruction, status, pr_url, branch_name,
			failure_reason, created_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProposalID, e.Instruction, string(e.Status), nullable(e.PRURL),
		e.BranchName, e.FailureReason, e.CreatedAt, e.CompletedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrExperimentExists
	}
	return err
}

// ApproveProposal flips a pending proposal to approved and inserts its
// experiment record in one transaction, so a failed insert cannot strand
// the proposal between states. A non-empty patchOverride replaces the
// stored patch block inside the same conditional update: a caller that
// loses the status race mutates nothing. Returns false when the proposal
// was not pending.
func (s *Store) ApproveProposal(ctx context.Context, proposalID, patchOverride string, e *experiment.Experiment) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var res sql.Result
	if patchOverride != "" {
		res, err = tx.ExecContext(ctx,
			`UPDATE proposals SET status=?, patch_block=?, updated_at=? WHERE id=? AND status=?`,
			string(proposal.StatusApproved), patchOverride, now, proposalID, string(proposal.StatusPending))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE proposals SET status=?, updated_at=? WHERE id=? AND status=?`,
			string(proposal.StatusApproved), now, proposalID, string(proposal.StatusPending))
	}
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO experiments (id, proposal_id, instruction, status, pr_url, branch_name,
			failure_reason, created_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProposalID, e.Instruction, string(e.Status), nullable(e.PRURL),
		e.BranchName, e.FailureReason, e.CreatedAt, e.CompletedAt); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return false, ErrExperimentExists
		}
		return false, err
	}
	return true, tx.Commit()
}

// GetExperiment retrieves an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id=?`, id)
	return scanExperiment(row)
}

// GetExperimentByProposal retrieves the experiment for a proposal.
func (s *Store) GetExperimentByProposal(ctx context.Context, proposalID string) (*experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE proposal_id=?`, proposalID)
	return scanExperiment(row)
}

// FinishExperiment records the terminal state of a running experiment.
// The conditional update keeps status moving only forward; finishing an
// already-finished experiment is a no-op returning ErrNotFound.
func (s *Store) FinishExperiment(ctx context.Context, id string, status experiment.Status, prURL, branch, failureReason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status=?, pr_url=?, branch_name=?, failure_reason=?, completed_at=?
		 WHERE id=? AND status=?`,
		string(status), nullable(prURL), branch, failureReason, time.Now().UTC(),
		id, string(experiment.StatusRunning))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanExperiment(row rowScanner) (*experiment.Experiment, error) {
	var e experiment.Experiment
	var status string
	var completedAt sql.NullTime
	err := row.Scan(&e.ID, &e.ProposalID, &e.Instruction, &status, &e.PRURL,
		&e.BranchName, &e.FailureReason, &e.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = experiment.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}
