package runner

import (
	"context"
	"errors"
	"log"
	"sync"

	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/repo"
)

const defaultWorkers = 4

// Pool drains the admission queue with a fixed set of workers. Each worker
// re-reads its request before executing so a stale queue entry cannot run a
// request someone already moved on.
type Pool struct {
	Engine    engine.Engine
	Admission *Admission
	Exec      Executor
	Workers   int
}

func NewPool(e engine.Engine, a *Admission, exec Executor) *Pool {
	return &Pool{
		Engine:    e,
		Admission: a,
		Exec:      exec,
		Workers:   defaultWorkers,
	}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	workers := p.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case req := <-p.Admission.Queue():
					p.process(ctx, req)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// process settles one request to COMPLETED or FAILED. The in-flight slot is
// released no matter how execution ends, so a failed request can be
// re-approved and run again.
func (p *Pool) process(ctx context.Context, queued domain.Request) {
	defer p.Admission.Release(queued.ID)

	req, err := p.Engine.Repo.GetRequest(ctx, queued.ID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Printf("worker: request %s vanished, skipping", queued.ID)
		return
	}
	if err != nil {
		log.Printf("worker: read request %s failed: %v", queued.ID, err)
		return
	}
	if req.Status != domain.StatusApproved {
		log.Printf("worker: request %s is %s, skipping", req.ID, req.Status)
		return
	}
	if _, err := p.Engine.MarkInProgress(ctx, req.ID); err != nil {
		log.Printf("worker: mark %s in progress failed: %v", req.ID, err)
		return
	}
	ok, execErr := p.Exec.Execute(ctx, req)
	if ok && execErr == nil {
		if _, err := p.Engine.MarkCompleted(ctx, req.ID); err != nil {
			log.Printf("worker: mark %s completed failed: %v", req.ID, err)
		}
		return
	}
	if execErr != nil {
		log.Printf("worker: execute %s failed: %v", req.ID, execErr)
	} else {
		log.Printf("worker: execute %s rejected downstream", req.ID)
	}
	if _, err := p.Engine.MarkFailed(ctx, req.ID); err != nil {
		log.Printf("worker: mark %s failed failed: %v", req.ID, err)
	}
}
