package insertqueue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mevdschee/tqinsertq/metrics"
)

// flushJob is one extracted batch on its way to the storage backend. The job
// exclusively owns the batch; by the time it is created, the batch is no
// longer reachable from any shard.
type flushJob struct {
	key  *InsertQuery
	data *insertData
	wg   *sync.WaitGroup // non-nil for forced flushes that wait for completion
}

func (q *Queue) schedule(job flushJob) {
	q.jobs <- job
}

// flushWorker processes flush jobs until the queue is closed, then drains
// whatever is still buffered so no scheduled batch is lost.
func (q *Queue) flushWorker() {
	defer q.workers.Done()
	for {
		select {
		case job := <-q.jobs:
			q.processJob(job)
		case <-q.workersQuit:
			for {
				select {
				case job := <-q.jobs:
					q.processJob(job)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) processJob(job flushJob) {
	q.processData(job.key, job.data)
	if job.wg != nil {
		job.wg.Done()
	}
}

// processData performs the write for one extracted batch outside any shard
// lock and resolves every entry with the single batch outcome. The write
// error, if any, is forwarded verbatim to all callers whose data was part of
// the batch. Each entry's payload accounting is released against that entry's
// own tracker.
func (q *Queue) processData(key *InsertQuery, data *insertData) {
	table := key.Statement.Table
	start := time.Now()

	err := q.writer.WriteBatch(context.Background(), key, data.entries)

	metrics.FlushLatency.WithLabelValues(table).Observe(time.Since(start).Seconds())
	metrics.BatchEntries.WithLabelValues(table).Observe(float64(len(data.entries)))
	metrics.BatchBytes.WithLabelValues(table).Observe(float64(data.sizeInBytes))
	if err != nil {
		metrics.FlushesTotal.WithLabelValues(table, "error").Inc()
		log.Printf("[InsertQueue] Flush of %d entries into %s failed: %v", len(data.entries), table, err)
	} else {
		metrics.FlushesTotal.WithLabelValues(table, "ok").Inc()
	}

	for _, e := range data.entries {
		e.finish(err)
		e.release()
	}
}
