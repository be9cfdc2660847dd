package domain

import (
	"encoding/json"
	"fmt"
)

// Action classifies a request's intent against the downstream system.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction rejects unknown action values at the boundary.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCreate, ActionUpdate, ActionDelete:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Status is the lifecycle stage of a request.
type Status string

const (
	StatusApprovalPending Status = "APPROVAL_PENDING"
	StatusApproved        Status = "APPROVED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

// ParseStatus rejects unknown status values at the boundary.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusApprovalPending, StatusApproved, StatusInProgress, StatusCompleted, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CanTransitionTo reports whether a status change moves forward along the
// lifecycle. FAILED -> APPROVED is the re-approval path: a human retries a
// failed request by approving it again.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusApprovalPending:
		return next == StatusApproved
	case StatusApproved:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusApproved
	}
	return false
}

// Terminal reports whether no forward transition remains except re-approval.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Project is a tenant scope mapped to external identity-provider groups.
type Project struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Groups    []string `json:"groups"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Request is a unit of proposed change awaiting approval and execution.
// Action and RequestObjects are fixed at creation; only Status is rewritten
// afterwards.
type Request struct {
	ID             string            `json:"id"`
	RequestType    string            `json:"request_type"`
	ProjectID      string            `json:"project_id"`
	ProjectName    string            `json:"project_name,omitempty"`
	RequestDate    string            `json:"request_date" format:"date-time"`
	Action         Action            `json:"action" enum:"CREATE,UPDATE,DELETE"`
	Status         Status            `json:"status" enum:"APPROVAL_PENDING,APPROVED,IN_PROGRESS,COMPLETED,FAILED"`
	Subject        string            `json:"subject"`
	RequestObjects []json.RawMessage `json:"request_objects"`
}

// Change is one entry of the store's change feed: the mutation kind plus a
// snapshot of the full current document.
type Change struct {
	ID        int64   `json:"id"`
	TS        string  `json:"ts" format:"date-time"`
	Op        string  `json:"op" enum:"insert,update"`
	RequestID string  `json:"request_id"`
	Status    Status  `json:"status"`
	Document  Request `json:"document"`
}

const (
	ChangeOpInsert = "insert"
	ChangeOpUpdate = "update"
)

// ResumeMarker is a durable feed checkpoint for a named consumer.
type ResumeMarker struct {
	Consumer     string `json:"consumer"`
	LastChangeID int64  `json:"last_change_id"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}
