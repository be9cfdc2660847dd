package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"greenlight/internal/db"
	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/migrate"
	"greenlight/internal/schema"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := schema.Builtin()
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	eng := engine.New(conn, reg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := eng.CreateProject(context.Background(), "library", []string{"team-library"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return eng
}

func approvedRequest(t *testing.T, eng engine.Engine) domain.Request {
	t.Helper()
	ctx := context.Background()
	req, err := eng.SubmitRequest(ctx, engine.SubmitOptions{
		RequestType: "widget",
		Action:      domain.ActionCreate,
		Subject:     "tester",
		ProjectRef:  "library",
		Objects:     []json.RawMessage{json.RawMessage(`{"name":"thing"}`)},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.ApproveRequests(ctx, []string{req.ID}, "approver"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return req
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	ok    bool
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context, req domain.Request) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.ID)
	return f.ok, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestAdmissionAbsorbsDuplicates(t *testing.T) {
	a := NewAdmission(4)
	ctx := context.Background()
	req := domain.Request{ID: "r1"}

	ok, err := a.Admit(ctx, req)
	if err != nil || !ok {
		t.Fatalf("first admit: ok=%v err=%v", ok, err)
	}
	ok, err = a.Admit(ctx, req)
	if err != nil || ok {
		t.Fatalf("duplicate admit should no-op: ok=%v err=%v", ok, err)
	}
	if got := len(a.Queue()); got != 1 {
		t.Fatalf("expected 1 queued, got %d", got)
	}

	a.Release("r1")
	ok, err = a.Admit(ctx, req)
	if err != nil || !ok {
		t.Fatalf("admit after release: ok=%v err=%v", ok, err)
	}
}

func TestAdmissionBackpressure(t *testing.T) {
	a := NewAdmission(1)
	ctx := context.Background()
	if _, err := a.Admit(ctx, domain.Request{ID: "r1"}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := a.Admit(blocked, domain.Request{ID: "r2"})
	if err == nil {
		t.Fatalf("expected admit to block on full queue")
	}
	if a.Inflight() != 1 {
		t.Fatalf("cancelled admit leaked an in-flight slot: %d", a.Inflight())
	}

	// drain one slot, r2 now fits
	<-a.Queue()
	if _, err := a.Admit(ctx, domain.Request{ID: "r2"}); err != nil {
		t.Fatalf("admit after drain: %v", err)
	}
}

func TestWatcherAdmitsApprovedAndPersistsMarker(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	req := approvedRequest(t, eng)

	a := NewAdmission(8)
	w := NewWatcher(eng.Repo, a)

	cursor, err := w.poll(ctx, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case queued := <-a.Queue():
		if queued.ID != req.ID {
			t.Fatalf("expected %s queued, got %s", req.ID, queued.ID)
		}
	default:
		t.Fatalf("approved request was not admitted")
	}

	latest, err := eng.Repo.LatestChangeID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cursor != latest {
		t.Fatalf("cursor %d did not reach feed head %d", cursor, latest)
	}
	m, err := eng.Repo.GetResumeMarker(ctx, w.Consumer)
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if m.LastChangeID != latest {
		t.Fatalf("marker %d, want %d", m.LastChangeID, latest)
	}

	// replaying the feed must not admit the same request twice
	if _, err := w.poll(ctx, 0); err != nil {
		t.Fatalf("replay poll: %v", err)
	}
	select {
	case <-a.Queue():
		t.Fatalf("duplicate delivery was admitted")
	default:
	}
}

func TestWatcherIgnoresUnapprovedChanges(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if _, err := eng.SubmitRequest(ctx, engine.SubmitOptions{
		RequestType: "widget",
		Action:      domain.ActionCreate,
		Subject:     "tester",
		ProjectRef:  "library",
		Objects:     []json.RawMessage{json.RawMessage(`{"name":"thing"}`)},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	a := NewAdmission(8)
	w := NewWatcher(eng.Repo, a)
	if _, err := w.poll(ctx, 0); err != nil {
		t.Fatalf("poll: %v", err)
	}
	select {
	case queued := <-a.Queue():
		t.Fatalf("pending request %s should not be admitted", queued.ID)
	default:
	}
}

func TestWatcherResumesFromMarker(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	approvedRequest(t, eng)

	a := NewAdmission(8)
	w := NewWatcher(eng.Repo, a)
	if _, err := w.poll(ctx, 0); err != nil {
		t.Fatalf("poll: %v", err)
	}
	<-a.Queue()

	// a restarted watcher picks up at the stored marker and sees only new work
	w2 := NewWatcher(eng.Repo, NewAdmission(8))
	cursor, err := w2.establishCursor(ctx)
	if err != nil {
		t.Fatalf("establish cursor: %v", err)
	}
	latest, err := eng.Repo.LatestChangeID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cursor != latest {
		t.Fatalf("expected resume at %d, got %d", latest, cursor)
	}
}

func TestWatcherFallsForwardAfterPrunedGap(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	approvedRequest(t, eng)
	approvedRequest(t, eng)

	latest, err := eng.Repo.LatestChangeID(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if _, err := eng.Repo.PruneChangesBefore(ctx, latest); err != nil {
		t.Fatalf("prune: %v", err)
	}
	// marker now points far behind the retained feed
	w := NewWatcher(eng.Repo, NewAdmission(8))
	if err := eng.Repo.SetResumeMarker(ctx, w.Consumer, 1); err != nil {
		t.Fatalf("set marker: %v", err)
	}

	cursor, err := w.establishCursor(ctx)
	if err != nil {
		t.Fatalf("establish cursor: %v", err)
	}
	if cursor != latest {
		t.Fatalf("expected fall-forward to %d, got %d", latest, cursor)
	}
}

func TestPoolExecutesAndCompletes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	req := approvedRequest(t, eng)

	exec := &fakeExecutor{ok: true}
	a := NewAdmission(8)
	p := NewPool(eng, a, exec)
	if _, err := a.Admit(ctx, req); err != nil {
		t.Fatalf("admit: %v", err)
	}
	p.process(ctx, <-a.Queue())

	if exec.callCount() != 1 {
		t.Fatalf("expected 1 execution, got %d", exec.callCount())
	}
	stored, err := eng.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if a.Inflight() != 0 {
		t.Fatalf("in-flight slot not released")
	}
}

func TestPoolFailureAllowsReapproval(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	req := approvedRequest(t, eng)

	exec := &fakeExecutor{ok: false}
	a := NewAdmission(8)
	p := NewPool(eng, a, exec)
	if _, err := a.Admit(ctx, req); err != nil {
		t.Fatalf("admit: %v", err)
	}
	p.process(ctx, <-a.Queue())

	stored, err := eng.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}

	// re-approve and run again with a healthy executor
	if _, err := eng.ApproveRequests(ctx, []string{req.ID}, "approver"); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	exec.mu.Lock()
	exec.ok = true
	exec.mu.Unlock()
	if _, err := a.Admit(ctx, stored); err != nil {
		t.Fatalf("re-admit: %v", err)
	}
	p.process(ctx, <-a.Queue())

	stored, err = eng.Repo.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED after retry, got %s", stored.Status)
	}
	if exec.callCount() != 2 {
		t.Fatalf("expected 2 executions, got %d", exec.callCount())
	}
}

func TestPoolSkipsStaleQueueEntries(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	req := approvedRequest(t, eng)

	// someone already ran this request to completion
	if _, err := eng.MarkInProgress(ctx, req.ID); err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if _, err := eng.MarkCompleted(ctx, req.ID); err != nil {
		t.Fatalf("completed: %v", err)
	}

	exec := &fakeExecutor{ok: true}
	a := NewAdmission(8)
	p := NewPool(eng, a, exec)
	if _, err := a.Admit(ctx, req); err != nil {
		t.Fatalf("admit: %v", err)
	}
	p.process(ctx, <-a.Queue())

	if exec.callCount() != 0 {
		t.Fatalf("stale entry was executed")
	}
	stored, _ := eng.Repo.GetRequest(ctx, req.ID)
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("status clobbered: %s", stored.Status)
	}
}
