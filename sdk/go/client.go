// Package greenlightsdk is a minimal Greenlight HTTP API client.
package greenlightsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Greenlight server.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	Subject     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Groups    []string `json:"groups"`
	CreatedAt string   `json:"created_at"`
}

// Request represents the API request model.
type Request struct {
	ID             string            `json:"id"`
	RequestType    string            `json:"request_type"`
	ProjectID      string            `json:"project_id"`
	ProjectName    string            `json:"project_name,omitempty"`
	RequestDate    string            `json:"request_date"`
	Action         string            `json:"action"`
	Status         string            `json:"status"`
	Subject        string            `json:"subject"`
	RequestObjects []json.RawMessage `json:"request_objects"`
}

// Change represents one change feed entry.
type Change struct {
	ID        int64   `json:"id"`
	TS        string  `json:"ts"`
	Op        string  `json:"op"`
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	Document  Request `json:"document"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject registers a project scope.
func (c *Client) CreateProject(ctx context.Context, name string, groups []string) (Project, error) {
	body := map[string]any{
		"name":   name,
		"groups": groups,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "projects", nil, &resp)
	return resp, err
}

// SubmitRequest submits objects of the given request type for approval.
func (c *Client) SubmitRequest(ctx context.Context, requestType, action, project string, objects []json.RawMessage) (Request, error) {
	body := map[string]any{
		"request_type":    requestType,
		"action":          action,
		"project":         project,
		"request_objects": objects,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// ListRequests returns all requests.
func (c *Client) ListRequests(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, "requests", nil, &resp)
	return resp, err
}

// PendingRequests returns requests awaiting approval.
func (c *Client) PendingRequests(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, "requests/pending", nil, &resp)
	return resp, err
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve moves the given requests to APPROVED.
func (c *Client) Approve(ctx context.Context, ids ...string) ([]Request, error) {
	body := map[string]any{"ids": ids}
	var resp []Request
	err := c.do(ctx, http.MethodPost, "requests/approve", body, &resp)
	return resp, err
}

// Changes reads the change feed after cursor.
func (c *Client) Changes(ctx context.Context, cursor int64, limit int) ([]Change, error) {
	endpoint := fmt.Sprintf("feed?cursor=%d", cursor)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Change
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Subject != "":
		req.Header.Set("X-Subject", c.Subject)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
