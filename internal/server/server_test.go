package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"greenlight/internal/db"
	"greenlight/internal/engine"
	"greenlight/internal/migrate"
	"greenlight/internal/schema"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := schema.Builtin()
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	e := engine.New(conn, reg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/api/v1",
		Auth:     AuthConfig{AllowSubjectHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asTester = map[string]string{"X-Subject": "tester", "X-Groups": "team-library"}

func TestSubmitApproveRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/v1"

	res, data := doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"name":   "library",
		"groups": []string{"team-library"},
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/requests", map[string]any{
		"request_type":    "widget",
		"action":          "CREATE",
		"project":         "library",
		"request_objects": []map[string]any{{"name": "thing"}},
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted RequestResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if submitted.Status != "APPROVAL_PENDING" || submitted.Subject != "tester" {
		t.Fatalf("unexpected request: %+v", submitted)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/requests/pending", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	var pending []RequestResponse
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ProjectName != "library" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/requests/approve", map[string]any{
		"ids": []string{submitted.ID},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved []RequestResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approved: %v", err)
	}
	if len(approved) != 1 || approved[0].Status != "APPROVED" {
		t.Fatalf("unexpected approve result: %+v", approved)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/feed?cursor=0", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feed status %d: %s", res.StatusCode, string(data))
	}
	var changes []ChangeResponse
	if err := json.Unmarshal(data, &changes); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if len(changes) != 2 || changes[1].Status != "APPROVED" {
		t.Fatalf("unexpected feed: %+v", changes)
	}
}

func TestSubmitValidationStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/v1"

	doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"name":   "library",
		"groups": []string{"team-library"},
	}, asTester)

	// schema violation
	res, data := doJSON(t, client, http.MethodPost, base+"/requests", map[string]any{
		"request_type":    "widget",
		"action":          "CREATE",
		"project":         "library",
		"request_objects": []map[string]any{{"description": "no name"}},
	}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}

	// duplicate project name
	res, data = doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"name":   "library",
		"groups": []string{"team-other"},
	}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	// unknown request id
	res, data = doJSON(t, client, http.MethodGet, base+"/requests/missing", nil, asTester)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/v1"

	res, _ := doJSON(t, client, http.MethodGet, base+"/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, base+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for health, got %d", res.StatusCode)
	}
}

func TestMyRequestsScopedByGroups(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/api/v1"

	doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"name":   "library",
		"groups": []string{"team-library"},
	}, asTester)
	doJSON(t, client, http.MethodPost, base+"/projects", map[string]any{
		"name":   "archive",
		"groups": []string{"team-archive"},
	}, asTester)
	doJSON(t, client, http.MethodPost, base+"/requests", map[string]any{
		"request_type":    "widget",
		"action":          "CREATE",
		"project":         "library",
		"request_objects": []map[string]any{{"name": "thing"}},
	}, asTester)
	doJSON(t, client, http.MethodPost, base+"/requests", map[string]any{
		"request_type":    "widget",
		"action":          "CREATE",
		"project":         "archive",
		"request_objects": []map[string]any{{"name": "other"}},
	}, asTester)

	res, data := doJSON(t, client, http.MethodGet, base+"/requests/mine", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mine status %d: %s", res.StatusCode, string(data))
	}
	var mine []RequestResponse
	if err := json.Unmarshal(data, &mine); err != nil {
		t.Fatalf("unmarshal mine: %v", err)
	}
	if len(mine) != 1 || mine[0].ProjectName != "library" {
		t.Fatalf("expected only library requests, got %+v", mine)
	}

	res, _ = doJSON(t, client, http.MethodGet, base+"/requests/mine", nil, map[string]string{"X-Subject": "stranger"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for subject without project, got %d", res.StatusCode)
	}
}
