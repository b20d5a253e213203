package hitl

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitworks/maestro/pkg/schema"
)

// GateStore persists gate requests so pending approvals survive restarts.
// The store package provides the durable implementation; nil disables
// persistence.
type GateStore interface {
	SaveGate(ctx context.Context, gate *schema.GateRequest) error
}

// Manager tracks human-approval gates. One pending gate exists per HITL task
// entry; Resolve freezes the first decision and rejects every later one.
// Safe for concurrent use.
type Manager struct {
	store  GateStore
	logger *slog.Logger

	mu    sync.RWMutex
	gates map[string]*schema.GateRequest // request id -> gate

	// onResolve is invoked outside the lock after a successful resolution.
	// The scheduler registers itself here to wake up waiting tasks.
	onResolve func(gate *schema.GateRequest)
}

// NewManager creates a Manager. store may be nil for in-memory-only runs.
func NewManager(store GateStore, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		gates:  make(map[string]*schema.GateRequest),
	}
}

// OnResolve registers the resolution callback. Must be called before any
// gate can be resolved.
func (m *Manager) OnResolve(fn func(gate *schema.GateRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolve = fn
}

// Open creates a pending gate for a task that reached hitl_wait. taskContext
// is the task's resolved input, shown to the approver.
func (m *Manager) Open(ctx context.Context, instanceID, taskID string, taskContext json.RawMessage) (*schema.GateRequest, error) {
	gate := &schema.GateRequest{
		RequestID:  uuid.NewString(),
		InstanceID: instanceID,
		TaskID:     taskID,
		Context:    taskContext,
		Status:     schema.GatePending,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.gates[gate.RequestID] = gate
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveGate(ctx, gate); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "persist gate request").
				WithTask(taskID).WithCause(err)
		}
	}

	m.logger.InfoContext(ctx, "gate opened",
		"request_id", gate.RequestID, "instance_id", instanceID, "task_id", taskID)
	return cloneGate(gate), nil
}

// Resolve records a decision for a pending gate of the given instance. The
// first resolution wins; any subsequent attempt returns CONFLICT with the
// frozen decision in the details. Unknown request ids, and request ids
// belonging to another instance, return NOT_FOUND.
func (m *Manager) Resolve(ctx context.Context, instanceID, requestID string, decision schema.GateDecision) (*schema.GateRequest, error) {
	if decision.Action != schema.GateApprove && decision.Action != schema.GateReject {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown gate action %q", decision.Action)
	}

	m.mu.Lock()
	gate, ok := m.gates[requestID]
	if !ok || gate.InstanceID != instanceID {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no gate request %q for instance %q", requestID, instanceID)
	}
	if gate.Status != schema.GatePending {
		frozen := cloneGate(gate)
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"gate request %q already %s", requestID, frozen.Status).
			WithDetails(map[string]any{"decision": frozen.Decision})
	}

	now := time.Now().UTC()
	gate.Status = schema.GateResolved
	gate.Decision = &decision
	gate.ResolvedAt = &now
	resolved := cloneGate(gate)
	cb := m.onResolve
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveGate(ctx, resolved); err != nil {
			m.logger.ErrorContext(ctx, "persist gate resolution failed",
				"request_id", requestID, "error", err)
		}
	}

	m.logger.InfoContext(ctx, "gate resolved",
		"request_id", requestID, "instance_id", resolved.InstanceID,
		"task_id", resolved.TaskID, "action", decision.Action)

	if cb != nil {
		cb(resolved)
	}
	return resolved, nil
}

// Get returns a gate of the given instance by request id.
func (m *Manager) Get(instanceID, requestID string) (*schema.GateRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gate, ok := m.gates[requestID]
	if !ok || gate.InstanceID != instanceID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no gate request %q for instance %q", requestID, instanceID)
	}
	return cloneGate(gate), nil
}

// Pending lists the pending gates of one instance, ordered by creation time.
func (m *Manager) Pending(instanceID string) []*schema.GateRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.GateRequest
	for _, gate := range m.gates {
		if gate.InstanceID == instanceID && gate.Status == schema.GatePending {
			out = append(out, cloneGate(gate))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseInstance cancels the pending gates of a finished instance and drops
// all of its gates from memory. A cancelled gate can never be resolved; the
// terminal status is persisted so it stays closed across restarts.
func (m *Manager) CloseInstance(ctx context.Context, instanceID string) {
	now := time.Now().UTC()

	m.mu.Lock()
	var closed []*schema.GateRequest
	for id, gate := range m.gates {
		if gate.InstanceID != instanceID {
			continue
		}
		if gate.Status == schema.GatePending {
			gate.Status = schema.GateCancelled
			gate.ResolvedAt = &now
			closed = append(closed, cloneGate(gate))
		}
		delete(m.gates, id)
	}
	m.mu.Unlock()

	for _, gate := range closed {
		if m.store != nil {
			if err := m.store.SaveGate(ctx, gate); err != nil {
				m.logger.ErrorContext(ctx, "persist gate close failed",
					"request_id", gate.RequestID, "error", err)
			}
		}
		m.logger.InfoContext(ctx, "gate closed, instance finished",
			"request_id", gate.RequestID, "instance_id", instanceID, "task_id", gate.TaskID)
	}
}

// Restore loads previously persisted gates, typically at startup. Pending
// gates become resolvable again; resolved ones only serve reads.
func (m *Manager) Restore(gates []*schema.GateRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gate := range gates {
		m.gates[gate.RequestID] = cloneGate(gate)
	}
}

func cloneGate(g *schema.GateRequest) *schema.GateRequest {
	c := *g
	if g.ResolvedAt != nil {
		t := *g.ResolvedAt
		c.ResolvedAt = &t
	}
	if g.Decision != nil {
		d := *g.Decision
		c.Decision = &d
	}
	return &c
}
