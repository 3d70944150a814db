package insertqueue

import "errors"

var (
	// ErrQueueClosed is returned when pushing to a closed queue, and is the
	// failure delivered to entries still pending when the queue shuts down
	// without a final flush.
	ErrQueueClosed = errors.New("insert queue is closed")
)
