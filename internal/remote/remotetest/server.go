// Package remotetest provides an in-memory stand-in for the workout API,
// used by the engine's tests. It mirrors the real server's route shapes:
// CRUD per entity collection, the paginated "/workouts" vs full
// "/workouts/all" split, the singleton "/schedule" resource, and the
// {data: ...} envelope on some responses. Server-assigned ids come from xid,
// standing in for Mongo ObjectIDs.
package remotetest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/sakif/repsync/internal/model"
)

// Server is the fake API. All methods are safe for concurrent use - the
// engine fires background requests from goroutines.
type Server struct {
	mu sync.Mutex

	httpSrv *httptest.Server
	logger  *slog.Logger

	// collections holds records per entity endpoint, insertion-ordered.
	collections map[model.EntityType][]model.Record
	schedule    model.Record

	requests []string // "METHOD /path" in arrival order

	// failure injection
	failNext   int    // respond 500 to this many requests
	rejectNext int    // respond rejectCode to this many requests
	rejectCode int
	rejectMsg  string

	// blocked requests: method -> gate channel
	gates map[string]chan struct{}
}

// New starts the fake API on an ephemeral port. Call Close when done.
func New(logger *slog.Logger) *Server {
	s := &Server{
		logger:      logger,
		collections: make(map[model.EntityType][]model.Record),
		gates:       make(map[string]chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(s.intercept)

	for _, desc := range model.Entities() {
		if desc.Singleton {
			continue
		}
		desc := desc
		r.Get(desc.ListEndpoint(), s.handleList(desc.Type, false))
		if desc.ListPath != "" {
			// Bare collection GET is the paginated, enveloped variant.
			r.Get(desc.Endpoint, s.handleList(desc.Type, true))
		}
		r.Post(desc.Endpoint, s.handleCreate(desc.Type))
		r.Get(desc.Endpoint+"/{id}", s.handleGet(desc.Type))
		r.Put(desc.Endpoint+"/{id}", s.handleUpdate(desc.Type))
		r.Delete(desc.Endpoint+"/{id}", s.handleDelete(desc.Type))
	}
	r.Get("/schedule", s.handleSchedule)
	r.Put("/schedule", s.handleScheduleUpdate)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL returns the base URL of the fake API.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the server down and releases any blocked requests.
func (s *Server) Close() {
	s.mu.Lock()
	for method, gate := range s.gates {
		close(gate)
		delete(s.gates, method)
	}
	s.mu.Unlock()
	s.httpSrv.Close()
}

// --- test controls ---

// Seed replaces the records of an entity collection.
func (s *Server) Seed(t model.EntityType, recs ...model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[t] = append([]model.Record(nil), recs...)
}

// Records returns a copy of an entity collection.
func (s *Server) Records(t model.EntityType) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Record(nil), s.collections[t]...)
}

// Requests returns "METHOD /path" for every request seen so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// FailNext makes the next n requests fail with a 500.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RejectNext makes the next n requests fail with the given 4xx status and
// message - simulates validation/conflict rejections.
func (s *Server) RejectNext(n, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
	s.rejectCode = status
	s.rejectMsg = message
}

// BlockNext holds the next request with the given method until the returned
// release function is called. Used to pin down orderings in race tests.
func (s *Server) BlockNext(method string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[method] = gate
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// --- middleware ---

// intercept records the request, applies failure injection, and honors
// request gates. Adapted from the logging middleware of the HTTP layer.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		gate := s.gates[r.Method]
		if gate != nil {
			delete(s.gates, r.Method)
		}
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		reject := !fail && s.rejectNext > 0
		var rejectCode int
		var rejectMsg string
		if reject {
			s.rejectNext--
			rejectCode, rejectMsg = s.rejectCode, s.rejectMsg
		}
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if fail {
			writeError(w, http.StatusInternalServerError, "injected server failure")
			return
		}
		if reject {
			writeError(w, rejectCode, rejectMsg)
			return
		}

		next.ServeHTTP(w, r)

		s.logger.Debug("fake api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// --- handlers ---

func (s *Server) handleList(t model.EntityType, envelope bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs := s.Records(t)
		if envelope {
			writeJSON(w, http.StatusOK, map[string]any{"data": recs})
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func (s *Server) handleGet(t model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, rec := range s.collections[t] {
			if rec.ID() == id {
				writeJSON(w, http.StatusOK, rec)
				return
			}
		}
		writeError(w, http.StatusNotFound, "record not found")
	}
}

func (s *Server) handleCreate(t model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := readRecord(w, r)
		if !ok {
			return
		}
		now := time.Now().UTC().Format(time.RFC3339)
		rec.SetID(xid.New().String())
		rec[model.FieldCreatedAt] = now
		rec[model.FieldUpdatedAt] = now
		delete(rec, model.FieldOffline)

		s.mu.Lock()
		s.collections[t] = append(s.collections[t], rec)
		s.mu.Unlock()

		writeJSON(w, http.StatusCreated, map[string]any{"data": rec})
	}
}

func (s *Server) handleUpdate(t model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		payload, ok := readRecord(w, r)
		if !ok {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, rec := range s.collections[t] {
			if rec.ID() == id {
				merged := rec.Merge(payload)
				merged.Touch(time.Now())
				delete(merged, model.FieldOffline)
				s.collections[t][i] = merged
				writeJSON(w, http.StatusOK, map[string]any{"data": merged})
				return
			}
		}
		writeError(w, http.StatusNotFound, "record not found")
	}
}

func (s *Server) handleDelete(t model.EntityType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, rec := range s.collections[t] {
			if rec.ID() == id {
				s.collections[t] = append(s.collections[t][:i], s.collections[t][i+1:]...)
				writeJSON(w, http.StatusOK, map[string]any{"message": "deleted"})
				return
			}
		}
		writeError(w, http.StatusNotFound, "record not found")
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		// The real server lazily creates a default schedule per user.
		s.schedule = model.Record{model.FieldID: xid.New().String()}
	}
	writeJSON(w, http.StatusOK, s.schedule)
}

func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	payload, ok := readRecord(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		s.schedule = model.Record{model.FieldID: xid.New().String()}
	}
	s.schedule = s.schedule.Merge(payload)
	writeJSON(w, http.StatusOK, s.schedule)
}

// Schedule returns the current singleton schedule document.
func (s *Server) Schedule() model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return nil
	}
	return s.schedule.Clone()
}

// --- response helpers ---

func readRecord(w http.ResponseWriter, r *http.Request) (model.Record, bool) {
	var rec model.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
