package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"greenlight/internal/domain"
)

const defaultExecutorTimeout = 10 * time.Second

// Executor carries out an approved request against the downstream system.
// The bool result distinguishes a clean rejection from a transport error;
// either one fails the request.
type Executor interface {
	Execute(ctx context.Context, req domain.Request) (bool, error)
}

// HTTPExecutor posts the request document to a downstream endpoint and treats
// any 2xx response as success.
type HTTPExecutor struct {
	URL    string
	Client *http.Client
}

func NewHTTPExecutor(url string, timeout time.Duration) HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultExecutorTimeout
	}
	return HTTPExecutor{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type executionPayload struct {
	RequestID   string            `json:"request_id"`
	RequestType string            `json:"request_type"`
	ProjectID   string            `json:"project_id"`
	Action      domain.Action     `json:"action"`
	Subject     string            `json:"subject"`
	Objects     []json.RawMessage `json:"objects"`
}

func (x HTTPExecutor) Execute(ctx context.Context, req domain.Request) (bool, error) {
	data, err := json.Marshal(executionPayload{
		RequestID:   req.ID,
		RequestType: req.RequestType,
		ProjectID:   req.ProjectID,
		Action:      req.Action,
		Subject:     req.Subject,
		Objects:     req.RequestObjects,
	})
	if err != nil {
		return false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, x.URL, bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Greenlight-Request", req.ID)
	httpReq.Header.Set("X-Greenlight-Action", string(req.Action))
	res, err := x.Client.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return false, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return true, nil
}
