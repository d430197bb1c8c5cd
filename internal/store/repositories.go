package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository is a code host repository northstar may operate on.
// At most one repository is active at a time.
type Repository struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	IsActive bool   `json:"is_active"`
}

// CreateRepository inserts a repository record.
func (s *Store) CreateRepository(ctx context.Context, r *Repository) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (id, owner, name, full_name, is_active) VALUES (?,?,?,?,?)`,
		r.ID, r.Owner, r.Name, r.FullName, boolToInt(r.IsActive))
	return err
}

// GetRepository retrieves a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, full_name, is_active FROM repositories WHERE id=?`, id)
	return scanRepository(row)
}

// ListRepositories returns all repositories.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, name, full_name, is_active FROM repositories ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// ActivateRepository marks one repository active and clears any previous
// active flag in the same transaction. The whole record set is replaced,
// last-write-wins.
func (s *Store) ActivateRepository(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE repositories SET is_active=0 WHERE is_active=1`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE repositories SET is_active=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetActiveRepository returns the single active repository, if any.
func (s *Store) GetActiveRepository(ctx context.Context) (*Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, full_name, is_active FROM repositories WHERE is_active=1`)
	return scanRepository(row)
}

// DeleteRepository removes a repository. Proposals referencing it fall back
// to unassigned; they are never cascade-deleted.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE proposals SET repo_id=NULL WHERE repo_id=?`, id); err != nil {
		return fmt.Errorf("unassigning proposals: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func scanRepository(row rowScanner) (*Repository, error) {
	var r Repository
	var active int
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.FullName, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.IsActive = active == 1
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
