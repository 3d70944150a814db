// Package server exposes the insert queue over HTTP. A POST body is one
// insert payload; the response reports whether it was batched and flushed or
// written synchronously after an overflow rejection.
package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mevdschee/tqinsertq/insertqueue"
	"github.com/mevdschee/tqinsertq/memtrack"
)

// Server is the HTTP front door of the insert queue.
type Server struct {
	queue    *insertqueue.Queue
	direct   insertqueue.Writer // overflow fallback, same backend as the queue
	trackers *memtrack.Registry
}

// New creates the server. The direct writer handles payloads the queue
// rejects with TOO_MUCH_DATA; trackers may be nil to disable per-user
// memory accounting.
func New(queue *insertqueue.Queue, direct insertqueue.Writer, trackers *memtrack.Registry) *Server {
	return &Server{queue: queue, direct: direct, trackers: trackers}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/insert/{table}", s.handleInsert)
	r.Get("/v1/status", s.handleStatus)
	return r
}

type insertResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleInsert pushes the request body into the queue and waits for the
// batch holding it to flush. Settings come from query parameters, identity
// from headers. An overflow rejection falls back to one direct synchronous
// write, which is exactly what the raw bytes are handed back for.
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, insertResponse{Status: "error", Error: "read body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, insertResponse{Status: "error", Error: "empty payload"})
		return
	}

	qctx, err := s.queryContext(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, insertResponse{Status: "error", Error: err.Error()})
		return
	}

	var columns []string
	if v := r.URL.Query().Get("columns"); v != "" {
		columns = strings.Split(v, ",")
	}
	stmt := insertqueue.NewStatement(table, columns, "Values")

	res, err := s.queue.Push(stmt, qctx, body)
	switch {
	case errors.Is(err, insertqueue.ErrQueueClosed):
		writeJSON(w, http.StatusServiceUnavailable, insertResponse{Status: "error", Error: err.Error()})
		return
	case errors.Is(err, memtrack.ErrLimitExceeded):
		writeJSON(w, http.StatusTooManyRequests, insertResponse{Status: "error", Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, insertResponse{Status: "error", Error: err.Error()})
		return
	}

	if res.Status == insertqueue.StatusTooMuchData {
		key := &insertqueue.InsertQuery{Statement: stmt}
		entry := &insertqueue.Entry{Bytes: res.Data, DedupToken: qctx.DedupToken}
		if err := s.direct.WriteBatch(r.Context(), key, []*insertqueue.Entry{entry}); err != nil {
			log.Printf("[Server] Direct write into %s failed: %v", table, err)
			writeJSON(w, http.StatusInternalServerError, insertResponse{Status: "error", Mode: "sync", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, insertResponse{Status: "ok", Mode: "sync"})
		return
	}

	if err := res.Entry.Wait(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if r.Context().Err() != nil {
			code = http.StatusRequestTimeout
		}
		writeJSON(w, code, insertResponse{Status: "error", Mode: "async", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, insertResponse{Status: "ok", Mode: "async"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool_size":       s.queue.PoolSize(),
		"pending_batches": st.Batches,
		"pending_entries": st.Entries,
		"pending_bytes":   st.Bytes,
	})
}

// queryContext assembles the execution context of one push from the request.
func (s *Server) queryContext(r *http.Request) (insertqueue.QueryContext, error) {
	qctx := insertqueue.QueryContext{
		Settings:   map[string]string{},
		QueryID:    r.Header.Get("X-Query-ID"),
		DedupToken: r.Header.Get("X-Dedup-Token"),
	}

	for k, vs := range r.URL.Query() {
		if k == "columns" || len(vs) == 0 {
			continue
		}
		qctx.Settings[k] = vs[0]
	}

	userLabel := "anonymous"
	if v := r.Header.Get("X-User-ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return qctx, errors.Wrap(err, "parse X-User-ID")
		}
		qctx.UserID = id
		userLabel = v
	}

	if v := r.Header.Get("X-Roles"); v != "" {
		for _, part := range strings.Split(v, ",") {
			id, err := uuid.Parse(strings.TrimSpace(part))
			if err != nil {
				return qctx, errors.Wrap(err, "parse X-Roles")
			}
			qctx.Roles = append(qctx.Roles, id)
		}
	}

	if s.trackers != nil {
		qctx.Tracker = s.trackers.Tracker(userLabel)
	}
	return qctx, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
