package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"greenlight/internal/domain"
)

const requestColumns = `r.id,r.request_type,r.project_id,r.request_date,r.action,r.status,r.subject,r.request_objects_json`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner, withName bool) (domain.Request, error) {
	var req domain.Request
	var action, status, objectsJSON string
	dest := []any{&req.ID, &req.RequestType, &req.ProjectID, &req.RequestDate, &action, &status, &req.Subject, &objectsJSON}
	if withName {
		dest = append(dest, &req.ProjectName)
	}
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return req, ErrNotFound
		}
		return req, err
	}
	var err error
	if req.Action, err = domain.ParseAction(action); err != nil {
		return req, fmt.Errorf("request %s: %w", req.ID, err)
	}
	if req.Status, err = domain.ParseStatus(status); err != nil {
		return req, fmt.Errorf("request %s: %w", req.ID, err)
	}
	if err := json.Unmarshal([]byte(objectsJSON), &req.RequestObjects); err != nil {
		return req, fmt.Errorf("request %s: decode objects: %w", req.ID, err)
	}
	return req, nil
}

func (r Repo) queryRequests(ctx context.Context, query string, args ...any) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows, true)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// InsertRequest persists a new request and appends an insert change to the
// feed in the same transaction.
func (r Repo) InsertRequest(ctx context.Context, req domain.Request) (domain.Request, error) {
	objects, err := json.Marshal(req.RequestObjects)
	if err != nil {
		return domain.Request{}, err
	}
	now := r.now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO requests(id,request_type,project_id,request_date,action,status,subject,request_objects_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.RequestType, req.ProjectID, req.RequestDate, string(req.Action), string(req.Status), req.Subject, string(objects), now); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := r.Feed.Append(ctx, tx, domain.ChangeOpInsert, req); err != nil {
		return domain.Request{}, fmt.Errorf("append change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	r.invalidateRequestCaches(req.ProjectID)
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+`,p.name FROM requests r JOIN projects p ON p.id=r.project_id WHERE r.id=?`, id)
	return scanRequest(row, true)
}

// RequestsForApproval returns all APPROVAL_PENDING requests with the project
// resolved to its display name. Results are cached until the next write.
func (r Repo) RequestsForApproval(ctx context.Context) ([]domain.Request, error) {
	if v, ok := r.Cache.Get(keyApprovalRequests); ok {
		return v.([]domain.Request), nil
	}
	res, err := r.queryRequests(ctx,
		`SELECT `+requestColumns+`,p.name FROM requests r JOIN projects p ON p.id=r.project_id WHERE r.status=? ORDER BY r.request_date DESC, r.id DESC`,
		string(domain.StatusApprovalPending))
	if err != nil {
		return nil, err
	}
	r.Cache.Set(keyApprovalRequests, res)
	return res, nil
}

// RequestsForProject returns requests scoped to one project.
func (r Repo) RequestsForProject(ctx context.Context, projectID string) ([]domain.Request, error) {
	key := keyProjectRequests(projectID)
	if v, ok := r.Cache.Get(key); ok {
		return v.([]domain.Request), nil
	}
	res, err := r.queryRequests(ctx,
		`SELECT `+requestColumns+`,p.name FROM requests r JOIN projects p ON p.id=r.project_id WHERE r.project_id=? ORDER BY r.request_date DESC, r.id DESC`,
		projectID)
	if err != nil {
		return nil, err
	}
	r.Cache.Set(key, res)
	return res, nil
}

func (r Repo) AllRequests(ctx context.Context) ([]domain.Request, error) {
	if v, ok := r.Cache.Get(keyAllRequests); ok {
		return v.([]domain.Request), nil
	}
	res, err := r.queryRequests(ctx,
		`SELECT `+requestColumns+`,p.name FROM requests r JOIN projects p ON p.id=r.project_id ORDER BY r.request_date DESC, r.id DESC`)
	if err != nil {
		return nil, err
	}
	r.Cache.Set(keyAllRequests, res)
	return res, nil
}

// UpdateRequests upserts each request by id. Any individual failure fails the
// whole call with a wrapped error; there is no rollback across requests, so
// callers must re-read before retrying.
func (r Repo) UpdateRequests(ctx context.Context, reqs []domain.Request) error {
	projectIDs := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if err := r.upsertRequest(ctx, req); err != nil {
			r.invalidateRequestCaches(projectIDs...)
			return fmt.Errorf("update requests: %w", err)
		}
		projectIDs = append(projectIDs, req.ProjectID)
	}
	r.invalidateRequestCaches(projectIDs...)
	return nil
}

func (r Repo) upsertRequest(ctx context.Context, req domain.Request) error {
	if _, err := domain.ParseStatus(string(req.Status)); err != nil {
		return err
	}
	if _, err := domain.ParseAction(string(req.Action)); err != nil {
		return err
	}
	objects, err := json.Marshal(req.RequestObjects)
	if err != nil {
		return err
	}
	now := r.now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE id=?`,
		string(req.Status), now, req.ID)
	if err != nil {
		return err
	}
	op := domain.ChangeOpUpdate
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO requests(id,request_type,project_id,request_date,action,status,subject,request_objects_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
			req.ID, req.RequestType, req.ProjectID, req.RequestDate, string(req.Action), string(req.Status), req.Subject, string(objects), now); err != nil {
			return err
		}
		op = domain.ChangeOpInsert
	}
	if err := r.Feed.Append(ctx, tx, op, req); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateRequestStatus performs a single-document conditional status write and
// appends the resulting document to the feed.
func (r Repo) UpdateRequestStatus(ctx context.Context, id string, status domain.Status) (domain.Request, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests r WHERE r.id=?`, id)
	req, err := scanRequest(row, false)
	if err != nil {
		return domain.Request{}, err
	}
	req.Status = status
	now := r.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE id=?`, string(status), now, id); err != nil {
		return domain.Request{}, err
	}
	if err := r.Feed.Append(ctx, tx, domain.ChangeOpUpdate, req); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	r.invalidateRequestCaches(req.ProjectID)
	return req, nil
}
