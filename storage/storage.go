// Package storage performs the actual batch writes against a SQL backend.
// It is the collaborator behind the queue's Writer interface: one extracted
// batch becomes one multi-row INSERT.
package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/mevdschee/tqinsertq/dedup"
	"github.com/mevdschee/tqinsertq/insertqueue"
	"github.com/mevdschee/tqinsertq/metrics"
)

// FormatValues is the payload format where every entry carries one or more
// pre-rendered SQL value tuples, e.g. "(1,'a'),(2,'b')".
const FormatValues = "Values"

// Open connects to the backend database and verifies the connection.
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping %s database", driver)
	}
	return db, nil
}

// SQLWriter writes extracted batches into a SQL database as single multi-row
// INSERT statements. With a dedup cache attached, entries whose dedup token
// was already written are silently dropped from the statement; they still
// count as successfully flushed towards their callers.
type SQLWriter struct {
	db    *sql.DB
	dedup *dedup.Cache // optional
}

// NewSQLWriter creates a writer on top of an open database. The dedup cache
// may be nil to disable token deduplication.
func NewSQLWriter(db *sql.DB, d *dedup.Cache) *SQLWriter {
	return &SQLWriter{db: db, dedup: d}
}

// WriteBatch implements insertqueue.Writer. The write is all-or-nothing: a
// failure is reported for the whole batch.
func (w *SQLWriter) WriteBatch(ctx context.Context, key *insertqueue.InsertQuery, entries []*insertqueue.Entry) error {
	stmt := key.Statement
	if !strings.EqualFold(stmt.Format, FormatValues) {
		return errors.Errorf("unsupported payload format %q for table %s", stmt.Format, stmt.Table)
	}

	var fresh []*insertqueue.Entry
	if w.dedup != nil {
		fresh = make([]*insertqueue.Entry, 0, len(entries))
		for _, e := range entries {
			if w.dedup.Seen(e.DedupToken) {
				metrics.DedupSkipped.Inc()
				continue
			}
			fresh = append(fresh, e)
		}
	} else {
		fresh = entries
	}
	if len(fresh) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(stmt.Table)
	if len(stmt.Columns) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(stmt.Columns, ", "))
		b.WriteString(")")
	}
	b.WriteString(" VALUES ")
	for i, e := range fresh {
		if i > 0 {
			b.WriteString(",")
		}
		b.Write(e.Bytes)
	}

	if _, err := w.db.ExecContext(ctx, b.String()); err != nil {
		return errors.Wrapf(err, "batch insert into %s", stmt.Table)
	}

	if w.dedup != nil {
		for _, e := range fresh {
			w.dedup.Mark(e.DedupToken)
		}
	}
	return nil
}
