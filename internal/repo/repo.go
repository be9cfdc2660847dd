package repo

import (
	"database/sql"
	"errors"
	"time"

	"greenlight/internal/cache"
	"greenlight/internal/feed"
)

// DefaultCacheTTL bounds staleness for the cached request getters. Writes
// through this repository invalidate eagerly; the TTL covers writes made by
// other processes sharing the store.
const DefaultCacheTTL = 100 * time.Second

type Repo struct {
	DB    *sql.DB
	Cache *cache.Cache
	Feed  feed.Writer
	Now   func() time.Time
}

var ErrNotFound = errors.New("not found")

// New returns a repository with the default read cache attached.
func New(db *sql.DB) Repo {
	return Repo{
		DB:    db,
		Cache: cache.New(DefaultCacheTTL),
	}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

const (
	keyAllRequests      = "requests:all"
	keyApprovalRequests = "requests:approval"
)

func keyProjectRequests(projectID string) string {
	return "requests:project:" + projectID
}

func (r Repo) invalidateRequestCaches(projectIDs ...string) {
	keys := []string{keyAllRequests, keyApprovalRequests}
	for _, id := range projectIDs {
		keys = append(keys, keyProjectRequests(id))
	}
	r.Cache.Invalidate(keys...)
}
