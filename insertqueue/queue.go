// Package insertqueue batches many small concurrent insert statements into
// shared per-key batches so the storage backend absorbs them as few large
// writes. Batches are grouped by statement text, settings and identity and
// flushed either when they grow past the size budget or when they age past
// the busy timeout. Every producer gets a one-shot completion signal that
// resolves with the batch's write outcome.
package insertqueue

import (
	"container/list"
	"log"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/mevdschee/tqinsertq/metrics"
)

// shard is one independently locked partition of the queue. The age-ordered
// list (front = oldest batch) and the hash index always describe the same set
// of live batches; both are only touched under mu.
type shard struct {
	mu    sync.Mutex
	queue *list.List                       // of *container, ordered by first-insert time
	index map[xxh3.Uint128][]*list.Element // hash -> elements, equality-checked on lookup
	wake  chan struct{}
}

func newShard() *shard {
	return &shard{
		queue: list.New(),
		index: make(map[xxh3.Uint128][]*list.Element),
		wake:  make(chan struct{}, 1),
	}
}

func (s *shard) lookupLocked(key *InsertQuery) *list.Element {
	for _, elem := range s.index[key.Hash] {
		if elem.Value.(*container).key.equals(key) {
			return elem
		}
	}
	return nil
}

func (s *shard) insertLocked(c *container) *list.Element {
	// First-insert timestamps are taken under the shard lock, so appending
	// keeps the list age-ordered.
	elem := s.queue.PushBack(c)
	s.index[c.key.Hash] = append(s.index[c.key.Hash], elem)
	return elem
}

// removeLocked detaches elem from both shard structures and transfers
// ownership of the container to the caller.
func (s *shard) removeLocked(elem *list.Element) *container {
	c := elem.Value.(*container)
	s.queue.Remove(elem)
	bucket := s.index[c.key.Hash]
	for i, e := range bucket {
		if e == elem {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(s.index, c.key.Hash)
	} else {
		s.index[c.key.Hash] = bucket
	}
	return c
}

// signal wakes the shard's deadline monitor without blocking.
func (s *shard) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Queue is the batching queue. A grouping key always maps to the same shard,
// so all batches for one key are reached through one mutex.
type Queue struct {
	cfg    Config
	writer Writer
	shards []*shard

	jobs        chan flushJob
	workers     sync.WaitGroup
	workersQuit chan struct{}

	monitors sync.WaitGroup
	shutdown chan struct{}

	mu     sync.RWMutex // guards closed against in-flight pushes
	closed bool

	flushMu sync.Mutex // serializes forced flushes
	stopped bool       // set under flushMu once the flush pool stops accepting work
}

// New creates the queue and starts its flush workers and one deadline
// monitor per shard. Zero config fields fall back to DefaultConfig values.
func New(writer Writer, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.MaxDataSize <= 0 {
		cfg.MaxDataSize = def.MaxDataSize
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}

	q := &Queue{
		cfg:         cfg,
		writer:      writer,
		shards:      make([]*shard, cfg.PoolSize),
		jobs:        make(chan flushJob, cfg.PoolSize*2),
		workersQuit: make(chan struct{}),
		shutdown:    make(chan struct{}),
	}

	for i := range q.shards {
		q.shards[i] = newShard()
	}

	q.workers.Add(cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		go q.flushWorker()
	}

	q.monitors.Add(cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		go q.processBatchDeadlines(q.shards[i])
	}

	log.Printf("[InsertQueue] Started with %d shards, busy timeout %v, max batch %d bytes",
		cfg.PoolSize, cfg.BusyTimeout, cfg.MaxDataSize)
	return q
}

// PoolSize returns the configured shard and flush worker count.
func (q *Queue) PoolSize() int {
	return q.cfg.PoolSize
}

// Push queues data for asynchronous insertion. Identical (statement,
// settings, identity) pushes accumulate into one batch until it is flushed.
// A payload that would overflow the batch size budget is handed back with
// StatusTooMuchData so the caller can write it synchronously instead.
func (q *Queue) Push(stmt Statement, qctx QueryContext, data []byte) (PushResult, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return PushResult{}, ErrQueueClosed
	}

	key := newInsertQuery(stmt, qctx)

	// A payload that alone exceeds the budget can never batch; better for
	// the caller to write it directly.
	if int64(len(data)) > q.cfg.MaxDataSize {
		metrics.InsertsTotal.WithLabelValues(stmt.Table, StatusTooMuchData.String()).Inc()
		return PushResult{Status: StatusTooMuchData, Data: data}, nil
	}

	entry, err := newEntry(data, qctx)
	if err != nil {
		return PushResult{}, err
	}

	sh := q.shards[key.shardIndex(len(q.shards))]

	var flush *container
	isNew := false

	sh.mu.Lock()
	elem := sh.lookupLocked(key)
	if elem == nil {
		c := &container{key: key, data: &insertData{}, created: time.Now()}
		elem = sh.insertLocked(c)
		isNew = true
	} else {
		c := elem.Value.(*container)
		if c.data.sizeInBytes+int64(len(data)) > q.cfg.MaxDataSize {
			// Reject this entry and leave the batch for the next
			// deadline or size check.
			sh.mu.Unlock()
			entry.release()
			metrics.InsertsTotal.WithLabelValues(stmt.Table, StatusTooMuchData.String()).Inc()
			return PushResult{Status: StatusTooMuchData, Data: data}, nil
		}
	}

	c := elem.Value.(*container)
	c.data.add(entry)
	if c.data.sizeInBytes >= q.cfg.MaxDataSize || len(c.data.entries) >= q.cfg.MaxEntries {
		// Batch full - extract under the lock and flush immediately
		flush = sh.removeLocked(elem)
		metrics.PendingEntries.Sub(float64(len(flush.data.entries) - 1))
	} else {
		metrics.PendingEntries.Inc()
	}
	sh.mu.Unlock()

	if isNew && flush == nil {
		sh.signal()
	}
	if flush != nil {
		q.schedule(flushJob{key: flush.key, data: flush.data})
	}

	metrics.InsertsTotal.WithLabelValues(stmt.Table, StatusOK.String()).Inc()
	return PushResult{Status: StatusOK, Entry: entry}, nil
}

// processBatchDeadlines is the per-shard deadline monitor. It parks until the
// oldest batch in the shard reaches the busy timeout, then drains every
// overdue batch under the shard lock and hands them to the flush pool. A push
// that creates a new batch signals the wake channel so a freshly started
// deadline is noticed immediately.
func (q *Queue) processBatchDeadlines(sh *shard) {
	defer q.monitors.Done()

	timer := time.NewTimer(q.cfg.BusyTimeout)
	defer timer.Stop()

	for {
		var due []*container
		wait := q.cfg.BusyTimeout

		sh.mu.Lock()
		now := time.Now()
		for sh.queue.Len() > 0 {
			front := sh.queue.Front()
			c := front.Value.(*container)
			age := now.Sub(c.created)
			if age < q.cfg.BusyTimeout {
				wait = q.cfg.BusyTimeout - age
				break
			}
			due = append(due, sh.removeLocked(front))
		}
		sh.mu.Unlock()

		for _, c := range due {
			metrics.PendingEntries.Sub(float64(len(c.data.entries)))
			q.schedule(flushJob{key: c.key, data: c.data})
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.shutdown:
			return
		case <-timer.C:
		case <-sh.wake:
		}
	}
}

// FlushAll force-flushes every batch currently in the queue and blocks until
// each has completed. Batches created by concurrent pushes may or may not be
// included. Forced flushes are serialized against each other.
func (q *Queue) FlushAll() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	if q.stopped {
		return
	}
	q.flushAllLocked()
}

func (q *Queue) flushAllLocked() {
	var wg sync.WaitGroup
	for _, sh := range q.shards {
		var due []*container
		sh.mu.Lock()
		for sh.queue.Len() > 0 {
			due = append(due, sh.removeLocked(sh.queue.Front()))
		}
		sh.mu.Unlock()

		for _, c := range due {
			metrics.PendingEntries.Sub(float64(len(c.data.entries)))
			wg.Add(1)
			q.schedule(flushJob{key: c.key, data: c.data, wg: &wg})
		}
	}
	wg.Wait()
}

// Close shuts the queue down. Deadline monitors stop first; remaining batches
// are either flushed (FlushOnShutdown) or failed with ErrQueueClosed, so no
// caller is ever left waiting on an unresolved entry. In-flight flush jobs
// always run to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.shutdown)
	q.monitors.Wait()

	q.flushMu.Lock()
	if q.cfg.FlushOnShutdown {
		q.flushAllLocked()
	} else {
		q.failPending()
	}
	q.stopped = true
	q.flushMu.Unlock()

	close(q.workersQuit)
	q.workers.Wait()
	log.Printf("[InsertQueue] Shut down")
}

// failPending drains every shard and fails all still-queued entries.
func (q *Queue) failPending() {
	for _, sh := range q.shards {
		var due []*container
		sh.mu.Lock()
		for sh.queue.Len() > 0 {
			due = append(due, sh.removeLocked(sh.queue.Front()))
		}
		sh.mu.Unlock()

		for _, c := range due {
			metrics.PendingEntries.Sub(float64(len(c.data.entries)))
			for _, e := range c.data.entries {
				e.finish(ErrQueueClosed)
				e.release()
			}
		}
	}
}

// Stats is a point-in-time snapshot of the queue contents.
type Stats struct {
	Batches int
	Entries int
	Bytes   int64
}

// Stats reports the batches, entries and payload bytes currently buffered.
func (q *Queue) Stats() Stats {
	var st Stats
	for _, sh := range q.shards {
		sh.mu.Lock()
		for elem := sh.queue.Front(); elem != nil; elem = elem.Next() {
			c := elem.Value.(*container)
			st.Batches++
			st.Entries += len(c.data.entries)
			st.Bytes += c.data.sizeInBytes
		}
		sh.mu.Unlock()
	}
	return st
}
