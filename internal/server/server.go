package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/conduitworks/maestro/internal/engine"
	"github.com/conduitworks/maestro/internal/events"
	"github.com/conduitworks/maestro/internal/hitl"
	"github.com/conduitworks/maestro/internal/scheduler"
	"github.com/conduitworks/maestro/internal/store"
	"github.com/conduitworks/maestro/pkg/schema"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine    *engine.Engine
	Store     store.Store
	Hub       events.Hub
	Gates     *hitl.Manager
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// Server exposes the workflow API: submission, snapshots, SSE event streams,
// gate resolution, and cron schedules.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/workflows", s.handleSubmit)
	mux.HandleFunc("GET /api/workflows", s.handleListInstances)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetInstance)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /api/gates", s.handleListGates)
	mux.HandleFunc("POST /api/gates/{id}/resolve", s.handleResolveGate)

	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// writeStructuredError maps a structured error code to an HTTP status.
func (s *Server) writeStructuredError(ctx context.Context, w http.ResponseWriter, err error) {
	var me *schema.Error
	if !errors.As(err, &me) {
		s.deps.Logger.ErrorContext(ctx, "request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch me.Code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeVersionConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.deps.Logger.ErrorContext(ctx, "request failed", "code", me.Code, "error", me)
	}
	writeJSON(w, status, map[string]any{"error": me})
}
