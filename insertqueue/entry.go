package insertqueue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mevdschee/tqinsertq/memtrack"
)

// Entry is one caller's pending payload plus its one-shot completion signal.
// The payload bytes are charged against the submitting user's tracker while
// the entry is alive and released through that same tracker when the entry is
// discarded, regardless of which goroutine discards it.
type Entry struct {
	Bytes      []byte
	QueryID    string
	DedupToken string
	Tracker    *memtrack.Tracker
	CreateTime time.Time

	done     chan struct{}
	err      error
	finished atomic.Bool
	released atomic.Bool
}

func newEntry(data []byte, qctx QueryContext) (*Entry, error) {
	if qctx.Tracker != nil {
		if err := qctx.Tracker.Charge(int64(len(data))); err != nil {
			return nil, err
		}
	}
	return &Entry{
		Bytes:      data,
		QueryID:    qctx.QueryID,
		DedupToken: qctx.DedupToken,
		Tracker:    qctx.Tracker,
		CreateTime: time.Now(),
		done:       make(chan struct{}),
	}, nil
}

// finish resolves the entry exactly once, with nil for success or the flush
// failure. Later calls are no-ops.
func (e *Entry) finish(err error) {
	if e.finished.CompareAndSwap(false, true) {
		e.err = err
		close(e.done)
	}
}

// release returns the payload accounting to the entry's own tracker. Entries
// in one batch may belong to different users, so this must run per entry.
func (e *Entry) release() {
	if e.released.CompareAndSwap(false, true) && e.Tracker != nil {
		e.Tracker.Release(int64(len(e.Bytes)))
	}
}

// Finished reports whether the entry has been resolved.
func (e *Entry) Finished() bool {
	return e.finished.Load()
}

// Done returns a channel closed when the entry's batch has been flushed.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the entry's batch has been flushed and returns the flush
// outcome, or the context error if the context is cancelled first.
func (e *Entry) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// insertData is the payload side of a batch: the ordered entries of one
// grouping key and their combined size.
type insertData struct {
	entries     []*Entry
	sizeInBytes int64
}

func (d *insertData) add(e *Entry) {
	d.entries = append(d.entries, e)
	d.sizeInBytes += int64(len(e.Bytes))
}

// container pairs a grouping key with its accumulating batch. created is the
// timestamp of the first insert and drives the age trigger.
type container struct {
	key     *InsertQuery
	data    *insertData
	created time.Time
}
