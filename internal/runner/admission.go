package runner

import (
	"context"
	"sync"

	"greenlight/internal/domain"
)

const defaultQueueCapacity = 64

// Admission is the gate between the change feed and the workers. Every
// request id at most once: duplicate deliveries from the feed are absorbed
// here, and a full queue blocks the producer instead of dropping work.
type Admission struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	queue    chan domain.Request
}

func NewAdmission(capacity int) *Admission {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Admission{
		inflight: make(map[string]struct{}),
		queue:    make(chan domain.Request, capacity),
	}
}

// Admit enqueues req unless its id is already in flight. It reports whether
// the request was enqueued; a duplicate is a silent no-op. When the queue is
// full Admit blocks until a worker drains a slot or ctx is cancelled.
func (a *Admission) Admit(ctx context.Context, req domain.Request) (bool, error) {
	a.mu.Lock()
	if _, ok := a.inflight[req.ID]; ok {
		a.mu.Unlock()
		return false, nil
	}
	a.inflight[req.ID] = struct{}{}
	a.mu.Unlock()

	select {
	case a.queue <- req:
		return true, nil
	case <-ctx.Done():
		a.Release(req.ID)
		return false, ctx.Err()
	}
}

// Release removes id from the in-flight set so the request can be admitted
// again later, say after a failure and re-approval.
func (a *Admission) Release(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}

func (a *Admission) Queue() <-chan domain.Request {
	return a.queue
}

// Inflight reports how many request ids are currently held.
func (a *Admission) Inflight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}
