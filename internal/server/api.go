package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conduitworks/maestro/internal/store"
	"github.com/conduitworks/maestro/pkg/schema"
)

// handleSubmit validates a definition and starts a new instance.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var def schema.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	inst, err := s.deps.Engine.Submit(ctx, &def)
	if err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"instance_id": inst.InstanceID,
		"status":      string(inst.Status),
	})
}

// handleListInstances lists stored instance snapshots, newest first.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "no store configured")
		return
	}

	filter := store.InstanceFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.InstanceStatus(v)
		filter.Status = &status
	}

	instances, err := s.deps.Store.ListInstances(ctx, filter)
	if err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

// handleGetInstance returns the current snapshot of an instance.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, err := s.deps.Engine.Status(ctx, r.PathValue("id"))
	if err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleCancel requests cancellation of a running instance.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.deps.Engine.Cancel(ctx, instanceID, body.Reason); err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ok":          "true",
		"instance_id": instanceID,
	})
}

// handleListGates lists pending gates for an instance.
func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gates": s.deps.Gates.Pending(instanceID),
	})
}

// handleResolveGate records a human decision on a pending gate.
func (s *Server) handleResolveGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("id")

	var body struct {
		InstanceID string          `json:"instance_id"`
		Action     string          `json:"action"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		ResolvedBy string          `json:"resolved_by,omitempty"`
		Comment    string          `json:"comment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	resolvedBy := body.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "api"
	}
	gate, err := s.deps.Gates.Resolve(ctx, body.InstanceID, requestID, schema.GateDecision{
		Action:     schema.GateAction(body.Action),
		Payload:    body.Payload,
		ResolvedBy: resolvedBy,
		Comment:    body.Comment,
	})
	if err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

// handleCreateSchedule stores a cron-triggered definition.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Store == nil || s.deps.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduling requires a store")
		return
	}

	var body struct {
		Name       string                    `json:"name"`
		Cron       string                    `json:"cron"`
		Definition schema.WorkflowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Cron == "" {
		writeError(w, http.StatusBadRequest, "cron is required")
		return
	}
	if err := s.deps.Engine.Validate(&body.Definition).ToError(); err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}

	now := time.Now().UTC()
	next, err := s.deps.Scheduler.NextRun(body.Cron, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := &store.Schedule{
		ID:         uuid.NewString(),
		Name:       body.Name,
		CronExpr:   body.Cron,
		Definition: body.Definition,
		Enabled:    true,
		CreatedAt:  now,
		NextRunAt:  &next,
	}
	if err := s.deps.Store.CreateSchedule(ctx, sched); err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// handleListSchedules lists all schedules.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "no store configured")
		return
	}
	schedules, err := s.deps.Store.ListSchedules(ctx, false)
	if err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// handleDeleteSchedule removes a schedule.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "no store configured")
		return
	}
	if err := s.deps.Store.DeleteSchedule(ctx, r.PathValue("id")); err != nil {
		s.writeStructuredError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// handleHealthz reports liveness and pool counters.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.deps.Engine.PoolMetrics(),
	})
}
