package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"greenlight/internal/domain"
)

// Writer appends change rows inside repository transactions. Each row carries
// the full current document so feed consumers never need a second lookup.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, op string, req domain.Request) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal change document: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changes(ts,op,request_id,status,document_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), op, req.ID, string(req.Status), string(doc))
	return err
}
