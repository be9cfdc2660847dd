package server

import (
	"encoding/json"

	"greenlight/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`
}

type SubmitRequestRequest struct {
	RequestType    string            `json:"request_type"`
	Action         string            `json:"action" enum:"CREATE,UPDATE,DELETE"`
	Project        string            `json:"project" doc:"Project id or name"`
	RequestObjects []json.RawMessage `json:"request_objects"`
}

type ApproveRequestsRequest struct {
	IDs []string `json:"ids"`
}

// Response payloads

type ProjectResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Groups    []string `json:"groups"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type RequestResponse struct {
	ID             string            `json:"id"`
	RequestType    string            `json:"request_type"`
	ProjectID      string            `json:"project_id"`
	ProjectName    string            `json:"project_name,omitempty"`
	RequestDate    string            `json:"request_date" format:"date-time"`
	Action         string            `json:"action" enum:"CREATE,UPDATE,DELETE"`
	Status         string            `json:"status" enum:"APPROVAL_PENDING,APPROVED,IN_PROGRESS,COMPLETED,FAILED"`
	Subject        string            `json:"subject"`
	RequestObjects []json.RawMessage `json:"request_objects"`
}

type ChangeResponse struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts" format:"date-time"`
	Op        string          `json:"op" enum:"insert,update"`
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Document  RequestResponse `json:"document"`
}

func projectResponse(p domain.Project) ProjectResponse {
	groups := p.Groups
	if groups == nil {
		groups = []string{}
	}
	return ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		Groups:    groups,
		CreatedAt: p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func requestResponse(r domain.Request) RequestResponse {
	objects := r.RequestObjects
	if objects == nil {
		objects = []json.RawMessage{}
	}
	return RequestResponse{
		ID:             r.ID,
		RequestType:    r.RequestType,
		ProjectID:      r.ProjectID,
		ProjectName:    r.ProjectName,
		RequestDate:    r.RequestDate,
		Action:         string(r.Action),
		Status:         string(r.Status),
		Subject:        r.Subject,
		RequestObjects: objects,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func changeResponse(c domain.Change) ChangeResponse {
	return ChangeResponse{
		ID:        c.ID,
		TS:        c.TS,
		Op:        c.Op,
		RequestID: c.RequestID,
		Status:    string(c.Status),
		Document:  requestResponse(c.Document),
	}
}

func mapChanges(items []domain.Change) []ChangeResponse {
	res := make([]ChangeResponse, 0, len(items))
	for _, c := range items {
		res = append(res, changeResponse(c))
	}
	return res
}
