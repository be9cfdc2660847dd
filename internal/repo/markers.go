package repo

import (
	"context"
	"database/sql"
	"time"

	"greenlight/internal/domain"
)

// GetResumeMarker returns the stored checkpoint for a consumer, or ErrNotFound
// when the consumer has never committed one.
func (r Repo) GetResumeMarker(ctx context.Context, consumer string) (domain.ResumeMarker, error) {
	var m domain.ResumeMarker
	err := r.DB.QueryRowContext(ctx,
		`SELECT consumer,last_change_id,updated_at FROM resume_markers WHERE consumer=?`, consumer).
		Scan(&m.Consumer, &m.LastChangeID, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// SetResumeMarker records that consumer has fully processed the feed up to and
// including lastID.
func (r Repo) SetResumeMarker(ctx context.Context, consumer string, lastID int64) error {
	now := r.now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO resume_markers(consumer,last_change_id,updated_at) VALUES (?,?,?)
ON CONFLICT(consumer) DO UPDATE SET last_change_id=excluded.last_change_id, updated_at=excluded.updated_at`,
		consumer, lastID, now)
	return err
}
