// Package api exposes the action queue over HTTP for the UI layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"fieldsync/internal/connectivity"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/logging"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/store"
)

// Queue is the engine surface served over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, t domain.ActionType, payload map[string]any, metadata map[string]string) (string, error)
	Dequeue(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context) (int, error)
	GetAction(id string) (domain.QueuedAction, bool)
	GetAllActions() []domain.QueuedAction
	GetStats() domain.Stats
	RetryAction(ctx context.Context, id string) error
	ResolveConflict(ctx context.Context, id string, resolution domain.Resolution, merged map[string]any) error
	ProcessQueue(ctx context.Context) bool
	AddListener(fn engine.Listener) func()
}

type Server struct {
	r        *chi.Mux
	queue    Queue
	monitor  connectivity.Monitor
	attempts store.AttemptLog
	sched    *scheduler.Service
	hub      *statsHub
	logger   zerolog.Logger
}

type Option func(*Server)

// WithMonitor exposes connectivity state; a *connectivity.Manual can also be toggled.
func WithMonitor(m connectivity.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

func WithAttemptLog(l store.AttemptLog) Option {
	return func(s *Server) { s.attempts = l }
}

func WithScheduler(sched *scheduler.Service) Option {
	return func(s *Server) { s.sched = sched }
}

func NewServer(q Queue, opts ...Option) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, queue: q, logger: logging.Component("api")}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newStatsHub(q, s.logger)

	r.Get("/health", s.health)
	r.Get("/api/stats", s.stats)
	r.Get("/api/actions", s.listActions)
	r.Post("/api/actions", s.enqueue)
	r.Post("/api/actions/clear-completed", s.clearCompleted)
	r.Get("/api/actions/{id}", s.getAction)
	r.Delete("/api/actions/{id}", s.dequeue)
	r.Post("/api/actions/{id}/retry", s.retry)
	r.Post("/api/actions/{id}/resolve", s.resolve)
	r.Get("/api/actions/{id}/attempts", s.listAttempts)
	r.Post("/api/process", s.process)
	r.Get("/api/connectivity", s.connectivity)
	r.Put("/api/connectivity", s.setConnectivity)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/ws/stats", s.hub.serve)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

// Close detaches from the queue and disconnects websocket clients.
func (s *Server) Close() {
	s.hub.close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetStats())
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	actions := s.queue.GetAllActions()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := actions[:0]
		for _, a := range actions {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		actions = filtered
	}
	writeJSON(w, http.StatusOK, actions)
}

type enqueueReq struct {
	Type     string            `json:"type"`
	Payload  map[string]any    `json:"payload"`
	Metadata map[string]string `json:"metadata"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	id, err := s.queue.Enqueue(r.Context(), domain.ActionType(req.Type), req.Payload, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.queue.GetAction(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Dequeue(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.RetryAction(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.writeAction(w, id)
}

type resolveReq struct {
	Resolution string         `json:"resolution"`
	MergedData map[string]any `json:"merged_data"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.queue.ResolveConflict(r.Context(), id, domain.Resolution(req.Resolution), req.MergedData); err != nil {
		writeError(w, err)
		return
	}
	s.writeAction(w, id)
}

// writeAction answers 202 with the action's state after a mutation.
func (s *Server) writeAction(w http.ResponseWriter, id string) {
	a, ok := s.queue.GetAction(id)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		http.Error(w, "attempt history not kept by this store", http.StatusNotImplemented)
		return
	}
	attempts, err := s.attempts.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []store.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ClearCompleted(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	ran := s.queue.ProcessQueue(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ran": ran, "stats": s.queue.GetStats()})
}

type connectivityReq struct {
	Online *bool `json:"online"`
}

func (s *Server) connectivity(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		http.Error(w, "connectivity monitor not configured", http.StatusNotImplemented)
		return
	}
	_, manual := s.monitor.(*connectivity.Manual)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.IsOnline(), "manual": manual})
}

func (s *Server) setConnectivity(w http.ResponseWriter, r *http.Request) {
	m, ok := s.monitor.(*connectivity.Manual)
	if !ok {
		http.Error(w, "connectivity is probed, not set manually", http.StatusConflict)
		return
	}
	var req connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}
	changed := m.SetOnline(*req.Online)
	s.logger.Info().Bool("online", *req.Online).Bool("changed", changed).Msg("connectivity set")
	writeJSON(w, http.StatusOK, map[string]bool{"online": m.IsOnline(), "changed": changed})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, []scheduler.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Entries())
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrActionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidResolution), errors.Is(err, domain.ErrUnknownActionType):
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
