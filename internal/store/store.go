package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store provides CRUD access to the northstar record collections.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at path with foreign keys on and applies
// the schema. Use ":memory:" only with a single connection; prefer a file
// path (tests use a temp dir).
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// churn under concurrent transitions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id               TEXT PRIMARY KEY,
	idea_summary     TEXT NOT NULL,
	rationale        TEXT NOT NULL DEFAULT '',
	impact_metric    TEXT NOT NULL DEFAULT '',
	impact_delta_pct REAL NOT NULL DEFAULT 0,
	technical_plan   TEXT NOT NULL DEFAULT '[]',
	confidence       REAL NOT NULL DEFAULT 0,
	patch_block      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	repo_id          TEXT,
	outcome_note     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

CREATE TABLE IF NOT EXISTS experiments (
	id             TEXT PRIMARY KEY,
	proposal_id    TEXT NOT NULL UNIQUE REFERENCES proposals(id),
	instruction    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'running',
	pr_url         TEXT,
	branch_name    TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repositories (
	id        TEXT PRIMARY KEY,
	owner     TEXT NOT NULL,
	name      TEXT NOT NULL,
	full_name TEXT NOT NULL UNIQUE,
	is_active INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS activity_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
