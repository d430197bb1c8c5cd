package store

import (
	"context"
	"time"
)

// ActivityEntry is one line of the orchestration narration stream.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendActivity adds an entry to the append-only activity log.
func (s *Store) AppendActivity(ctx context.Context, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (message, created_at) VALUES (?,?)`,
		message, time.Now().UTC())
	return err
}

// ListActivity returns the most recent entries, newest first.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message, created_at FROM activity_log ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, &e)
	}
	return res, rows.Err()
}
