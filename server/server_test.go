package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mevdschee/tqinsertq/insertqueue"
	"github.com/mevdschee/tqinsertq/memtrack"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]*insertqueue.Entry
	tables  []string
}

func (w *recordingWriter) WriteBatch(ctx context.Context, key *insertqueue.InsertQuery, entries []*insertqueue.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, entries)
	w.tables = append(w.tables, key.Statement.Table)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func newTestServer(t *testing.T, cfg insertqueue.Config) (*httptest.Server, *recordingWriter, *insertqueue.Queue) {
	t.Helper()
	w := &recordingWriter{}
	q := insertqueue.New(w, cfg)
	srv := New(q, w, memtrack.NewRegistry(0))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		q.Close()
	})
	return ts, w, q
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func TestServer_InsertAsync(t *testing.T) {
	ts, w, _ := newTestServer(t, insertqueue.Config{BusyTimeout: 20 * time.Millisecond})

	resp, err := http.Post(ts.URL+"/v1/insert/events?columns=data", "text/plain",
		bytes.NewBufferString("('hello')"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["mode"] != "async" {
		t.Errorf("Expected async mode, got %v", body["mode"])
	}
	if w.count() != 1 {
		t.Errorf("Expected 1 flushed batch, got %d", w.count())
	}
}

func TestServer_InsertTooMuchDataFallsBackToSync(t *testing.T) {
	ts, w, _ := newTestServer(t, insertqueue.Config{
		BusyTimeout: 10 * time.Second,
		MaxDataSize: 8,
	})

	resp, err := http.Post(ts.URL+"/v1/insert/events", "text/plain",
		bytes.NewBufferString(strings.Repeat("x", 32)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["mode"] != "sync" {
		t.Errorf("Expected sync fallback, got %v", body["mode"])
	}
	if w.count() != 1 {
		t.Errorf("Expected 1 direct write, got %d", w.count())
	}
}

func TestServer_InsertEmptyBody(t *testing.T) {
	ts, _, _ := newTestServer(t, insertqueue.Config{})

	resp, err := http.Post(ts.URL+"/v1/insert/events", "text/plain", bytes.NewBuffer(nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty payload, got %d", resp.StatusCode)
	}
}

func TestServer_InsertBadUserID(t *testing.T) {
	ts, _, _ := newTestServer(t, insertqueue.Config{})

	req, _ := http.NewRequest("POST", ts.URL+"/v1/insert/events", bytes.NewBufferString("('a')"))
	req.Header.Set("X-User-ID", "not-a-uuid")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad user id, got %d", resp.StatusCode)
	}
}

func TestServer_Status(t *testing.T) {
	ts, _, q := newTestServer(t, insertqueue.Config{BusyTimeout: 10 * time.Second})

	// Queue something so the status has content
	q.Push(insertqueue.NewStatement("events", nil, "Values"),
		insertqueue.QueryContext{}, []byte("('a')"))

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["pending_entries"].(float64) != 1 {
		t.Errorf("Expected 1 pending entry, got %v", body["pending_entries"])
	}
	if body["pool_size"].(float64) != 4 {
		t.Errorf("Expected pool size 4, got %v", body["pool_size"])
	}
}

func TestServer_SameKeyBatchesAcrossRequests(t *testing.T) {
	ts, w, _ := newTestServer(t, insertqueue.Config{BusyTimeout: 100 * time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/v1/insert/events?columns=data", "text/plain",
				bytes.NewBufferString("('x')"))
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("Expected 200, got %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	// All four requests share one grouping key, so they should have been
	// absorbed by a single flush (they all start within one busy timeout).
	if w.count() != 1 {
		t.Errorf("Expected 1 batch for identical requests, got %d", w.count())
	}
}
