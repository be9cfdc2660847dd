package runner

import (
	"context"
	"errors"
	"log"
	"time"

	"greenlight/internal/domain"
	"greenlight/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultWatchBatch   = 100
	defaultConsumer     = "runner"

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// watchState is the watcher's connection lifecycle.
type watchState int

const (
	stateConnecting watchState = iota
	stateStreaming
	stateReconnecting
)

func (s watchState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateStreaming:
		return "streaming"
	case stateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Watcher tails the change feed for freshly approved requests and hands them
// to the admission gate. Its cursor is committed to the store after every
// processed entry, so a restarted watcher resumes where it left off instead
// of replaying or skipping work.
type Watcher struct {
	Repo      repo.Repo
	Admission *Admission
	Consumer  string
	Interval  time.Duration
	Batch     int
}

func NewWatcher(r repo.Repo, a *Admission) *Watcher {
	return &Watcher{
		Repo:      r,
		Admission: a,
		Consumer:  defaultConsumer,
		Interval:  defaultPollInterval,
		Batch:     defaultWatchBatch,
	}
}

func (w *Watcher) interval() time.Duration {
	if w.Interval > 0 {
		return w.Interval
	}
	return defaultPollInterval
}

func (w *Watcher) batch() int {
	if w.Batch > 0 {
		return w.Batch
	}
	return defaultWatchBatch
}

// Run blocks until ctx is cancelled. Store errors never end the loop; the
// watcher drops to reconnecting, backs off, and re-establishes its cursor.
func (w *Watcher) Run(ctx context.Context) error {
	state := stateConnecting
	delay := reconnectBaseDelay
	var cursor int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch state {
		case stateConnecting, stateReconnecting:
			cur, err := w.establishCursor(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("watcher: %s: establish cursor failed: %v", state, err)
				if !sleep(ctx, delay) {
					return ctx.Err()
				}
				delay = backoff(delay)
				state = stateReconnecting
				continue
			}
			cursor = cur
			delay = reconnectBaseDelay
			state = stateStreaming
			log.Printf("watcher: streaming from change %d", cursor)
		case stateStreaming:
			cur, err := w.poll(ctx, cursor)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("watcher: poll failed, reconnecting: %v", err)
				state = stateReconnecting
				continue
			}
			cursor = cur
			if !sleep(ctx, w.interval()) {
				return ctx.Err()
			}
		}
	}
}

// establishCursor loads the durable marker and verifies it still points into
// the retained feed. A pruned marker means entries were lost; the watcher
// logs the gap and falls forward to the feed head rather than guessing.
func (w *Watcher) establishCursor(ctx context.Context) (int64, error) {
	marker, err := w.Repo.GetResumeMarker(ctx, w.Consumer)
	if errors.Is(err, repo.ErrNotFound) {
		latest, err := w.Repo.LatestChangeID(ctx)
		if err != nil {
			return 0, err
		}
		return latest, nil
	}
	if err != nil {
		return 0, err
	}
	oldest, err := w.Repo.OldestChangeID(ctx)
	if err != nil {
		return 0, err
	}
	if oldest > 0 && marker.LastChangeID < oldest-1 {
		latest, err := w.Repo.LatestChangeID(ctx)
		if err != nil {
			return 0, err
		}
		log.Printf("watcher: marker %d predates retained feed (oldest %d), resuming at %d",
			marker.LastChangeID, oldest, latest)
		return latest, nil
	}
	return marker.LastChangeID, nil
}

func (w *Watcher) poll(ctx context.Context, cursor int64) (int64, error) {
	changes, err := w.Repo.ChangesAfter(ctx, cursor, w.batch())
	if err != nil {
		return cursor, err
	}
	for _, change := range changes {
		if wantsExecution(change) {
			if _, err := w.Admission.Admit(ctx, change.Document); err != nil {
				return cursor, err
			}
		}
		if err := w.Repo.SetResumeMarker(ctx, w.Consumer, change.ID); err != nil {
			return cursor, err
		}
		cursor = change.ID
	}
	return cursor, nil
}

func wantsExecution(change domain.Change) bool {
	if change.Op != domain.ChangeOpInsert && change.Op != domain.ChangeOpUpdate {
		return false
	}
	return change.Status == domain.StatusApproved
}

func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
