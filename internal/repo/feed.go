package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"greenlight/internal/domain"
)

// ChangesAfter returns up to limit feed entries with id > cursor, in id order.
func (r Repo) ChangesAfter(ctx context.Context, cursor int64, limit int) ([]domain.Change, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,op,request_id,status,document_json FROM changes WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		var c domain.Change
		var status, doc string
		if err := rows.Scan(&c.ID, &c.TS, &c.Op, &c.RequestID, &status, &doc); err != nil {
			return nil, err
		}
		if c.Status, err = domain.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("change %d: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(doc), &c.Document); err != nil {
			return nil, fmt.Errorf("change %d: decode document: %w", c.ID, err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) LatestChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM changes`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// OldestChangeID returns the smallest retained change id, or 0 when the feed
// is empty. A consumer whose cursor falls below this saw a pruned gap.
func (r Repo) OldestChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MIN(id) FROM changes`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// PruneChangesBefore drops feed entries with id < keep and reports how many
// rows went away.
func (r Repo) PruneChangesBefore(ctx context.Context, keep int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM changes WHERE id<?`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
