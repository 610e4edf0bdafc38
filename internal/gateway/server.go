// Package gateway exposes run control, run inspection and metrics over HTTP,
// and the live event stream over a WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/agentrunner/internal/audit"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/events"
	"github.com/dohr-michael/agentrunner/internal/gateway/ws"
	"github.com/dohr-michael/agentrunner/internal/metrics"
	"github.com/dohr-michael/agentrunner/internal/runs"
)

// Control is the set of run operations the gateway forwards.
// *dispatch.Dispatcher implements it.
type Control interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) (*runs.Run, error)
	CancelRun(ctx context.Context, id string) error
	StopRun(ctx context.Context, id string) error
	ResumeRun(ctx context.Context, id string) error
	ApproveRun(ctx context.Context, id, stepID string) (string, error)
	DeleteRun(ctx context.Context, id string) error
	DeleteTerminal(ctx context.Context, scope string, cutoff time.Time) ([]string, error)
}

// RunReader reads run records. *runs.Store implements it.
type RunReader interface {
	Get(ctx context.Context, id string) (*runs.Run, error)
	List(ctx context.Context, f runs.Filter) ([]*runs.Run, error)
}

// AuditReader lists audit entries. *audit.Store implements it.
type AuditReader interface {
	List(ctx context.Context, runID string, limit int) ([]audit.Entry, error)
}

// Config wires a Server.
type Config struct {
	Control Control
	Runs    RunReader
	Audit   AuditReader
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Host    string
	Port    int
}

// Server is the agentrunner HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	control    Control
	runs       RunReader
	audit      AuditReader
	bus        *events.Bus
	metrics    *metrics.Metrics
}

// NewServer creates a server with every route mounted.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:     ws.NewHub(cfg.Bus, cfg.Control),
		control: cfg.Control,
		runs:    cfg.Runs,
		audit:   cfg.Audit,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/events/stream", s.hub.ServeWS)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleEnqueue)
		r.Delete("/", s.handlePurge)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleDeleteRun)
			r.Get("/audit", s.handleRunAudit)
			r.Post("/cancel", s.handleCancel)
			r.Post("/stop", s.handleStop)
			r.Post("/resume", s.handleResume)
			r.Post("/approve", s.handleApprove)
		})
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type eventJSON struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id,omitempty"`
	Type      string             `json:"type"`
	Timestamp string             `json:"timestamp"`
	Source    events.EventSource `json:"source"`
	Payload   map[string]any     `json:"payload"`
}

func toEventJSON(e events.Event) eventJSON {
	return eventJSON{
		ID:        e.ID,
		RunID:     e.RunID,
		Type:      string(e.Type),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Source:    e.Source,
		Payload:   e.Payload,
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	var history []events.Event
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		history = s.bus.RunHistory(runID, limit)
	} else {
		history = s.bus.History(limit)
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = toEventJSON(e)
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
