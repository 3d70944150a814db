package memtrack

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mevdschee/tqinsertq/metrics"
)

// ErrLimitExceeded is returned when a charge would push a user over its limit
var ErrLimitExceeded = errors.New("memory limit exceeded for user")

// Tracker accounts payload memory for a single user. Buffered insert data is
// charged against the submitting user's tracker when the payload is accepted
// and released against the same tracker when the entry is discarded, so
// attribution follows the user even when another goroutine does the freeing.
type Tracker struct {
	user  string
	limit int64 // 0 means unlimited
	used  atomic.Int64
}

// Charge accounts n bytes to the user. It fails without accounting anything
// if the user's limit would be exceeded.
func (t *Tracker) Charge(n int64) error {
	used := t.used.Add(n)
	if t.limit > 0 && used > t.limit {
		t.used.Add(-n)
		return ErrLimitExceeded
	}
	metrics.TrackedMemory.WithLabelValues(t.user).Set(float64(used))
	return nil
}

// Release returns n previously charged bytes.
func (t *Tracker) Release(n int64) {
	used := t.used.Add(-n)
	metrics.TrackedMemory.WithLabelValues(t.user).Set(float64(used))
}

// Used returns the bytes currently charged.
func (t *Tracker) Used() int64 {
	return t.used.Load()
}

// User returns the user this tracker accounts for.
func (t *Tracker) User() string {
	return t.user
}

// Registry hands out one tracker per user.
type Registry struct {
	mu       sync.Mutex
	limit    int64
	trackers map[string]*Tracker
}

// NewRegistry creates a registry with the given per-user byte limit (0 = unlimited).
func NewRegistry(limitPerUser int64) *Registry {
	return &Registry{
		limit:    limitPerUser,
		trackers: make(map[string]*Tracker),
	}
}

// Tracker returns the tracker for the given user, creating it on first use.
func (r *Registry) Tracker(user string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[user]
	if !ok {
		t = &Tracker{user: user, limit: r.limit}
		r.trackers[user] = t
	}
	return t
}
