package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"greenlight/internal/domain"
	"greenlight/internal/repo"
	"greenlight/internal/schema"
)

// ValidationError marks caller mistakes: malformed payloads, unknown request
// types, illegal status transitions. It never indicates store trouble.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Schemas *schema.Registry
	Now     func() time.Time
}

func New(db *sql.DB, reg *schema.Registry) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.New(db),
		Schemas: reg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateProject registers a project scope. Names are unique; a duplicate is a
// caller error, not a store failure.
func (e Engine) CreateProject(ctx context.Context, name string, groups []string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, ValidationError{Field: "name", Reason: "is required"}
	}
	if len(groups) == 0 {
		return domain.Project{}, ValidationError{Field: "groups", Reason: "at least one group is required"}
	}
	if _, err := e.Repo.GetProjectByName(ctx, name); err == nil {
		return domain.Project{}, ValidationError{Field: "name", Reason: fmt.Sprintf("project %q already exists", name)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Groups:    groups,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	return e.Repo.InsertProject(ctx, p)
}

// SubmitOptions are parameters for submitting a request.
type SubmitOptions struct {
	RequestType string
	Action      domain.Action
	Subject     string
	ProjectRef  string
	Objects     []json.RawMessage
}

// SubmitRequest validates the payload against the registered schema for its
// request type and stores it as APPROVAL_PENDING.
func (e Engine) SubmitRequest(ctx context.Context, opts SubmitOptions) (domain.Request, error) {
	if opts.Subject == "" {
		return domain.Request{}, ValidationError{Field: "subject", Reason: "is required"}
	}
	if opts.ProjectRef == "" {
		return domain.Request{}, ValidationError{Field: "project", Reason: "is required"}
	}
	if len(opts.Objects) == 0 {
		return domain.Request{}, ValidationError{Field: "request_objects", Reason: "at least one object is required"}
	}
	if _, err := domain.ParseAction(string(opts.Action)); err != nil {
		return domain.Request{}, ValidationError{Field: "action", Reason: err.Error()}
	}
	if !e.Schemas.Has(opts.RequestType) {
		return domain.Request{}, ValidationError{Field: "request_type", Reason: fmt.Sprintf("unknown request type %q", opts.RequestType)}
	}
	for i, obj := range opts.Objects {
		msg, err := e.Schemas.Validate(opts.RequestType, obj)
		if err != nil {
			return domain.Request{}, err
		}
		if msg != "" {
			return domain.Request{}, ValidationError{
				Field:  fmt.Sprintf("request_objects[%d]", i),
				Reason: msg,
			}
		}
	}
	p, err := e.Repo.ResolveProject(ctx, opts.ProjectRef)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Request{}, ValidationError{Field: "project", Reason: fmt.Sprintf("project %q not found", opts.ProjectRef)}
	}
	if err != nil {
		return domain.Request{}, err
	}
	req := domain.Request{
		ID:             uuid.NewString(),
		RequestType:    opts.RequestType,
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		RequestDate:    e.now().UTC().Format(time.RFC3339),
		Action:         opts.Action,
		Status:         domain.StatusApprovalPending,
		Subject:        opts.Subject,
		RequestObjects: opts.Objects,
	}
	return e.Repo.InsertRequest(ctx, req)
}

// ApproveRequests moves each request to APPROVED. Pending requests approve
// normally; failed requests re-approve for another execution attempt. Any
// other current status is rejected before a single write happens.
func (e Engine) ApproveRequests(ctx context.Context, ids []string, approver string) ([]domain.Request, error) {
	if len(ids) == 0 {
		return nil, ValidationError{Field: "ids", Reason: "at least one request id is required"}
	}
	reqs := make([]domain.Request, 0, len(ids))
	for _, id := range ids {
		req, err := e.Repo.GetRequest(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ValidationError{Field: "ids", Reason: fmt.Sprintf("request %s not found", id)}
		}
		if err != nil {
			return nil, err
		}
		if !req.Status.CanTransitionTo(domain.StatusApproved) {
			return nil, ValidationError{
				Field:  "ids",
				Reason: fmt.Sprintf("request %s is %s and cannot be approved", id, req.Status),
			}
		}
		req.Status = domain.StatusApproved
		reqs = append(reqs, req)
	}
	if err := e.Repo.UpdateRequests(ctx, reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// MarkInProgress transitions an approved request into execution.
func (e Engine) MarkInProgress(ctx context.Context, id string) (domain.Request, error) {
	return e.transition(ctx, id, domain.StatusInProgress)
}

// MarkCompleted settles a request after a successful execution.
func (e Engine) MarkCompleted(ctx context.Context, id string) (domain.Request, error) {
	return e.transition(ctx, id, domain.StatusCompleted)
}

// MarkFailed settles a request after a failed execution. The request stays
// eligible for re-approval.
func (e Engine) MarkFailed(ctx context.Context, id string) (domain.Request, error) {
	return e.transition(ctx, id, domain.StatusFailed)
}

func (e Engine) transition(ctx context.Context, id string, next domain.Status) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if !req.Status.CanTransitionTo(next) {
		return domain.Request{}, ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("request %s cannot move from %s to %s", id, req.Status, next),
		}
	}
	return e.Repo.UpdateRequestStatus(ctx, id, next)
}
