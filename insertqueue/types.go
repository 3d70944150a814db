package insertqueue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mevdschee/tqinsertq/memtrack"
)

// Statement is an already-parsed insert target. Parsing and validation happen
// upstream; the queue only uses the rendered text as part of the grouping key.
type Statement struct {
	Table   string
	Columns []string
	Format  string
	Text    string
}

// NewStatement renders the canonical statement text for a table, column list
// and payload format.
func NewStatement(table string, columns []string, format string) Statement {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(")")
	}
	b.WriteString(" FORMAT ")
	b.WriteString(format)
	return Statement{
		Table:   table,
		Columns: columns,
		Format:  format,
		Text:    b.String(),
	}
}

// QueryContext carries the validated execution context of one push: the
// effective settings snapshot, the acting identity and the submitting user's
// memory tracker. The queue treats all of it as opaque except for grouping.
type QueryContext struct {
	Settings   map[string]string
	UserID     uuid.UUID // uuid.Nil when the engine runs without users
	Roles      []uuid.UUID
	QueryID    string
	DedupToken string
	Tracker    *memtrack.Tracker // borrowed, never owned by the queue
}

// Writer performs the actual write of one extracted batch into the storage
// backend. It is called outside any shard lock. The write is all-or-nothing
// from the queue's perspective: a returned error fails every entry.
type Writer interface {
	WriteBatch(ctx context.Context, key *InsertQuery, entries []*Entry) error
}

// Status reports the outcome of a push.
type Status int

const (
	// StatusOK means the payload was queued; wait on the entry for the result.
	StatusOK Status = iota
	// StatusTooMuchData means the payload was rejected because it would
	// overflow the batch size budget; the raw bytes are handed back so the
	// caller can write them synchronously instead.
	StatusTooMuchData
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTooMuchData:
		return "too_much_data"
	default:
		return "unknown"
	}
}

// PushResult is what a producer gets back from Push.
type PushResult struct {
	Status Status
	// Entry is set when Status is StatusOK; Entry.Wait resolves once the
	// batch holding this payload has been flushed.
	Entry *Entry
	// Data holds the rejected payload when Status is StatusTooMuchData.
	Data []byte
}

// Config holds configuration for the insert queue
type Config struct {
	PoolSize        int           // Number of shards and flush workers (4 default)
	BusyTimeout     time.Duration // Maximum age of a batch before it is flushed (200ms default)
	MaxDataSize     int64         // Maximum payload bytes per batch (10MB default)
	MaxEntries      int           // Maximum entries per batch (1000 default)
	FlushOnShutdown bool          // Flush remaining batches on Close instead of failing them
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		PoolSize:        4,
		BusyTimeout:     200 * time.Millisecond,
		MaxDataSize:     10 << 20,
		MaxEntries:      1000,
		FlushOnShutdown: true,
	}
}
