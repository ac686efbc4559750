package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/huddle/internal/collab"
	"github.com/dohr-michael/huddle/internal/document"
	"github.com/dohr-michael/huddle/internal/events"
	"github.com/dohr-michael/huddle/internal/gateway/ws"
	"github.com/dohr-michael/huddle/internal/merge"
	"github.com/dohr-michael/huddle/internal/metrics"
)

// SessionHeader optionally names the submitter's live session so private
// notices (command failures) reach it.
const SessionHeader = "X-Session-ID"

// Options configures a Server.
type Options struct {
	Host string
	Port int
	// Tasks, when set, is served under /api (routes /tasks...).
	Tasks http.Handler
	// Ready reports whether the operation log store is reachable.
	Ready func(ctx context.Context) error
}

// Server is the huddle HTTP and WebSocket server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	svc        *collab.Service
	bus        *events.Bus
	ready      func(ctx context.Context) error
}

// NewServer creates a new gateway server.
func NewServer(svc *collab.Service, bus *events.Bus, opts Options) *Server {
	hub := ws.NewHub(svc)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:   hub,
		svc:   svc,
		bus:   bus,
		ready: opts.Ready,
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/documents/{id}", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Get("/operations", s.handleOperations)
		r.Post("/operations", s.handleSubmit)
	})

	if opts.Tasks != nil {
		tasksH := http.StripPrefix("/api", opts.Tasks)
		r.Handle("/api/tasks", tasksH)
		r.Handle("/api/tasks/*", tasksH)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("huddle gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.Count()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.Snapshot(r.Context(), chi.URLParam(r, "id"), ws.Participant(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	recs, err := s.svc.Operations(r.Context(), chi.URLParam(r, "id"), ws.Participant(r), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []document.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var op document.Operation
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&op); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.svc.Submit(r.Context(), collab.SubmitRequest{
		DocumentID:  chi.URLParam(r, "id"),
		Participant: ws.Participant(r),
		SessionID:   r.Header.Get(SessionHeader),
		Op:          op,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == merge.Conflict || res.Outcome == merge.Superseded {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	doc := r.URL.Query().Get("document")
	if doc == "" {
		http.Error(w, "document is required", http.StatusBadRequest)
		return
	}
	history, err := s.svc.Events(doc, ws.Participant(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	type eventJSON struct {
		ID         string             `json:"id"`
		DocumentID string             `json:"document_id,omitempty"`
		SessionID  string             `json:"session_id,omitempty"`
		Type       string             `json:"type"`
		Timestamp  string             `json:"timestamp"`
		Source     events.EventSource `json:"source"`
		Payload    map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:         e.ID,
			DocumentID: e.DocumentID,
			SessionID:  e.SessionID,
			Type:       string(e.Type),
			Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
			Source:     e.Source,
			Payload:    e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func writeError(w http.ResponseWriter, err error) {
	code := collab.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case collab.CodeAccessDenied:
		status = http.StatusForbidden
	case collab.CodeInvalidOperation:
		status = http.StatusBadRequest
	case collab.CodeLogUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"code": code, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
