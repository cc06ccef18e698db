// Package webserver is a development run-state server. It serves the run
// snapshot endpoints and the per-run push channel that runwatch observes.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/runwatch/internal/db"
	"github.com/zsprackett/runwatch/internal/events"
	"github.com/zsprackett/runwatch/internal/run"
)

type Config struct {
	Port int
	Host string
	// PushInterval is how often a push connection re-reads the store when
	// nothing woke it.
	PushInterval time.Duration
}

type Server struct {
	store  *db.DB
	hub    *events.Hub
	cfg    Config
	logger *slog.Logger
}

func New(store *db.DB, cfg Config, logger *slog.Logger) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		hub:    events.NewHub(),
		cfg:    cfg,
		logger: logger,
	}
}

var _ events.Broadcaster = (*Server)(nil)

// Broadcast implements events.Broadcaster.
func (s *Server) Broadcast(e events.Event) {
	s.hub.Broadcast(e)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/events", s.handleAppendEvent)
	mux.HandleFunc("PUT /runs/{id}/status", s.handleSetStatus)
	mux.HandleFunc("GET /ws/runs/{id}", s.handlePush)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("webserver: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type runResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Metrics   json.RawMessage `json:"metrics"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func toRunResponse(r *db.Run) runResponse {
	metrics := r.Metrics
	if metrics == nil {
		metrics = json.RawMessage("null")
	}
	return runResponse{
		ID:        r.ID,
		Name:      r.Name,
		Status:    r.Status,
		Metrics:   metrics,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// eventMessage is the push channel frame for one stored event.
type eventMessage struct {
	ID     int64   `json:"id"`
	Ts     string  `json:"ts"`
	Level  string  `json:"level"`
	Title  string  `json:"title"`
	Detail *string `json:"detail"`
	Status string  `json:"status,omitempty"`
}

func toEventMessage(e db.RunEvent) eventMessage {
	return eventMessage{
		ID:     e.ID,
		Ts:     e.Ts.UTC().Format(time.RFC3339Nano),
		Level:  e.Level,
		Title:  e.Title,
		Detail: e.Detail,
		Status: e.Status,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(100)
	if err != nil {
		s.logger.Error("webserver: list runs", "err", err)
		writeError(w, 500, err.Error())
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, rr := range runs {
		out = append(out, toRunResponse(rr))
	}
	writeJSON(w, 200, out)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	rr, err := s.store.CreateRun(uuid.NewString(), strings.TrimSpace(body.Name))
	if err != nil {
		s.logger.Error("webserver: create run", "err", err)
		writeError(w, 500, err.Error())
		return
	}
	s.logger.Info("webserver: run created", "run", rr.ID, "name", rr.Name)
	writeJSON(w, 200, map[string]string{"run_id": rr.ID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rr, err := s.store.GetRun(r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, 404, "Run not found")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, toRunResponse(rr))
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Level  string  `json:"level"`
		Title  string  `json:"title"`
		Detail *string `json:"detail"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, 400, "title is required")
		return
	}
	if _, err := s.store.GetRun(id); errors.Is(err, db.ErrNotFound) {
		writeError(w, 404, "Run not found")
		return
	}
	e, err := s.store.InsertRunEvent(db.RunEvent{
		RunID:  id,
		Level:  string(run.ParseLevel(body.Level)),
		Title:  body.Title,
		Detail: body.Detail,
	})
	if err != nil {
		s.logger.Error("webserver: append event", "run", id, "err", err)
		writeError(w, 500, err.Error())
		return
	}
	s.Broadcast(events.Event{Type: events.TypeEventAppended, RunID: id, EventID: e.ID})
	writeJSON(w, 200, map[string]int64{"id": e.ID})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Status  string          `json:"status"`
		Metrics json.RawMessage `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	status := run.ParseStatus(body.Status)
	if status == run.StatusUnknown {
		writeError(w, 400, fmt.Sprintf("invalid status %q", body.Status))
		return
	}
	metrics := body.Metrics
	if string(metrics) == "null" {
		metrics = nil
	}
	err := s.store.UpdateRunStatus(id, string(status), metrics)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, 404, "Run not found")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}

	// Record the transition so push clients see it without waiting for a poll.
	level := run.LevelInfo
	if status == run.StatusFailed {
		level = run.LevelError
	}
	e, err := s.store.InsertRunEvent(db.RunEvent{
		RunID:  id,
		Level:  string(level),
		Title:  "run " + string(status),
		Status: string(status),
	})
	if err != nil {
		s.logger.Warn("webserver: record status event", "run", id, "err", err)
	} else {
		s.Broadcast(events.Event{Type: events.TypeEventAppended, RunID: id, EventID: e.ID})
	}
	s.Broadcast(events.Event{Type: events.TypeStatusChanged, RunID: id, Status: string(status)})
	s.logger.Info("webserver: status changed", "run", id, "status", status)
	w.WriteHeader(204)
}
