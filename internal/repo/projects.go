package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"greenlight/internal/domain"
)

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var groupsJSON string
	err := row.Scan(&p.ID, &p.Name, &groupsJSON, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(groupsJSON), &p.Groups); err != nil {
		return p, fmt.Errorf("decode project groups: %w", err)
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	groups, err := json.Marshal(p.Groups)
	if err != nil {
		return domain.Project{}, err
	}
	if p.CreatedAt == "" {
		p.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,groups_json,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, string(groups), p.CreatedAt)
	if err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,groups_json,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,groups_json,created_at FROM projects WHERE name=?`, name))
}

// ResolveProject accepts either a project id or its unique name.
func (r Repo) ResolveProject(ctx context.Context, ref string) (domain.Project, error) {
	p, err := r.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if err != ErrNotFound {
		return domain.Project{}, err
	}
	return r.GetProjectByName(ctx, ref)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,groups_json,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var groupsJSON string
		if err := rows.Scan(&p.ID, &p.Name, &groupsJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(groupsJSON), &p.Groups); err != nil {
			return nil, fmt.Errorf("decode project groups: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectForGroups returns the project mapped to any of the caller's
// identity-provider groups.
func (r Repo) ProjectForGroups(ctx context.Context, groups []string) (domain.Project, error) {
	if len(groups) == 0 {
		return domain.Project{}, ErrNotFound
	}
	want := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g != "" {
			want[g] = struct{}{}
		}
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	for _, p := range projects {
		for _, g := range p.Groups {
			if _, ok := want[g]; ok {
				return p, nil
			}
		}
	}
	return domain.Project{}, ErrNotFound
}

func (r Repo) UpdateProjectGroups(ctx context.Context, id string, groups []string) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET groups_json=? WHERE id=?`, string(data), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
