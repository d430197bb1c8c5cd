package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/northstar/internal/proposal"
)

const proposalColumns = `id, idea_summary, rationale, impact_metric, impact_delta_pct,
	technical_plan, confidence, patch_block, status, COALESCE(repo_id,''), outcome_note,
	created_at, updated_at`

// CreateProposal inserts a new proposal.
func (s *Store) CreateProposal(ctx context.Context, p *proposal.Proposal) error {
	plan, err := json.Marshal(p.TechnicalPlan)
	if err != nil {
		return fmt.Errorf("encoding technical plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, idea_summary, rationale, impact_metric, impact_delta_pct,
			technical_plan, confidence, patch_block, status, repo_id, outcome_note, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.IdeaSummary, p.Rationale, p.Impact.Metric, p.Impact.DeltaPct,
		string(plan), p.Confidence, p.PatchBlock, string(p.Status), nullable(p.RepoID),
		p.OutcomeNote, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProposal retrieves a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row)
}

// ListProposalsByStatus returns proposals in the given status, newest first.
func (s *Store) ListProposalsByStatus(ctx context.Context, status proposal.Status) ([]*proposal.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status=? ORDER BY created_at DESC`,
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// TransitionProposal flips status from one value to another atomically.
// Returns false when the proposal was not in the expected status, which is
// how a losing concurrent caller learns it lost.
func (s *Store) TransitionProposal(ctx context.Context, id string, from, to proposal.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteProposal moves an approved proposal to completed, attaching the
// outcome note. Completed is terminal.
func (s *Store) CompleteProposal(ctx context.Context, id, outcomeNote string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status=?, outcome_note=?, updated_at=? WHERE id=? AND status=?`,
		string(proposal.StatusCompleted), outcomeNote, time.Now().UTC(), id, string(proposal.StatusApproved))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignProposalRepo points a proposal at a repository.
func (s *Store) AssignProposalRepo(ctx context.Context, id, repoID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET repo_id=?, updated_at=? WHERE id=?`,
		nullable(repoID), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*proposal.Proposal, error) {
	var p proposal.Proposal
	var plan, status string
	err := row.Scan(&p.ID, &p.IdeaSummary, &p.Rationale, &p.Impact.Metric, &p.Impact.DeltaPct,
		&plan, &p.Confidence, &p.PatchBlock, &status, &p.RepoID, &p.OutcomeNote,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = proposal.Status(status)
	if err := json.Unmarshal([]byte(plan), &p.TechnicalPlan); err != nil {
		return nil, fmt.Errorf("decoding technical plan: %w", err)
	}
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
