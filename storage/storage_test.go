package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mevdschee/tqinsertq/dedup"
	"github.com/mevdschee/tqinsertq/insertqueue"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.Exec(`CREATE TABLE test_inserts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data TEXT,
		value INTEGER
	)`)
	if err != nil {
		t.Fatal(err)
	}

	return db
}

func testKey(table string, columns []string) *insertqueue.InsertQuery {
	return &insertqueue.InsertQuery{
		Statement: insertqueue.NewStatement(table, columns, FormatValues),
	}
}

func TestSQLWriter_WriteBatch(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	w := NewSQLWriter(db, nil)
	key := testKey("test_inserts", []string{"data", "value"})
	entries := []*insertqueue.Entry{
		{Bytes: []byte("('a', 1)")},
		{Bytes: []byte("('b', 2),('c', 3)")},
	}

	if err := w.WriteBatch(context.Background(), key, entries); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM test_inserts").Scan(&count)
	if count != 3 {
		t.Errorf("Expected 3 rows, got %d", count)
	}
}

func TestSQLWriter_UnsupportedFormat(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	w := NewSQLWriter(db, nil)
	key := &insertqueue.InsertQuery{
		Statement: insertqueue.NewStatement("test_inserts", nil, "Protobuf"),
	}

	err := w.WriteBatch(context.Background(), key, []*insertqueue.Entry{{Bytes: []byte("x")}})
	if err == nil {
		t.Fatal("Expected error for unsupported format")
	}
}

func TestSQLWriter_WriteError(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	w := NewSQLWriter(db, nil)
	key := testKey("no_such_table", []string{"data"})

	err := w.WriteBatch(context.Background(), key, []*insertqueue.Entry{{Bytes: []byte("('a')")}})
	if err == nil {
		t.Fatal("Expected error for missing table")
	}
}

func TestSQLWriter_DedupTokens(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	cache, err := dedup.New(1000, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	w := NewSQLWriter(db, cache)
	key := testKey("test_inserts", []string{"data", "value"})

	first := []*insertqueue.Entry{
		{Bytes: []byte("('a', 1)"), DedupToken: "tok-a"},
	}
	if err := w.WriteBatch(context.Background(), key, first); err != nil {
		t.Fatalf("First WriteBatch failed: %v", err)
	}

	// Allow the async token set to land
	time.Sleep(10 * time.Millisecond)

	// Same token again plus one fresh entry: only the fresh one is written
	second := []*insertqueue.Entry{
		{Bytes: []byte("('a', 1)"), DedupToken: "tok-a"},
		{Bytes: []byte("('b', 2)"), DedupToken: "tok-b"},
	}
	if err := w.WriteBatch(context.Background(), key, second); err != nil {
		t.Fatalf("Second WriteBatch failed: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM test_inserts").Scan(&count)
	if count != 2 {
		t.Errorf("Expected 2 rows after dedup, got %d", count)
	}
}

func TestSQLWriter_AllDeduped(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	cache, err := dedup.New(1000, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	w := NewSQLWriter(db, cache)
	key := testKey("test_inserts", []string{"data", "value"})

	batch := []*insertqueue.Entry{{Bytes: []byte("('a', 1)"), DedupToken: "tok-x"}}
	if err := w.WriteBatch(context.Background(), key, batch); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	// A batch consisting only of duplicates still succeeds without writing
	if err := w.WriteBatch(context.Background(), key, batch); err != nil {
		t.Fatalf("Fully deduped batch should succeed, got %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM test_inserts").Scan(&count)
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}
}
