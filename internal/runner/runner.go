// Package runner connects the change feed to downstream execution: a watcher
// tails the feed for approved requests, an admission gate dedups them into a
// bounded queue, and a worker pool executes and settles each one.
package runner

import (
	"context"
	"time"

	"greenlight/internal/engine"
)

// Options shape a Runner; zero values fall back to package defaults.
type Options struct {
	Consumer      string
	QueueCapacity int
	Workers       int
	PollInterval  time.Duration
	Executor      Executor
}

type Runner struct {
	Watcher   *Watcher
	Pool      *Pool
	Admission *Admission
}

func New(e engine.Engine, opts Options) *Runner {
	adm := NewAdmission(opts.QueueCapacity)
	w := NewWatcher(e.Repo, adm)
	if opts.Consumer != "" {
		w.Consumer = opts.Consumer
	}
	if opts.PollInterval > 0 {
		w.Interval = opts.PollInterval
	}
	p := NewPool(e, adm, opts.Executor)
	if opts.Workers > 0 {
		p.Workers = opts.Workers
	}
	return &Runner{Watcher: w, Pool: p, Admission: adm}
}

// Run starts the watcher and the pool and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.Pool.Run(ctx)
		close(done)
	}()
	err := r.Watcher.Run(ctx)
	<-done
	if err == context.Canceled {
		return nil
	}
	return err
}
