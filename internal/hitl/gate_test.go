package hitl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitworks/maestro/pkg/schema"
)

type memGateStore struct {
	mu    sync.Mutex
	saved []*schema.GateRequest
	fail  bool
}

func (s *memGateStore) SaveGate(_ context.Context, gate *schema.GateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db gone")
	}
	s.saved = append(s.saved, gate)
	return nil
}

func newTestManager(store GateStore) *Manager {
	return NewManager(store, slog.New(slog.DiscardHandler))
}

func TestOpenAndResolveApprove(t *testing.T) {
	store := &memGateStore{}
	m := newTestManager(store)
	ctx := context.Background()

	var notified *schema.GateRequest
	m.OnResolve(func(g *schema.GateRequest) { notified = g })

	gate, err := m.Open(ctx, "inst-1", "approve_report", []byte(`{"doc":"draft"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, gate.RequestID)
	assert.Equal(t, schema.GatePending, gate.Status)

	resolved, err := m.Resolve(ctx, "inst-1", gate.RequestID, schema.GateDecision{
		Action:     schema.GateApprove,
		Payload:    []byte(`{"approved":true}`),
		ResolvedBy: "reviewer@corp",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GateResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, schema.GateApprove, resolved.Decision.Action)

	require.NotNil(t, notified)
	assert.Equal(t, gate.RequestID, notified.RequestID)
	assert.Len(t, store.saved, 2, "open and resolve both persisted")
}

func TestResolveIsIdempotentGuarded(t *testing.T) {
	m := newTestManager(nil)
	ctx := context.Background()
	m.OnResolve(func(*schema.GateRequest) {})

	gate, err := m.Open(ctx, "inst-1", "gate", nil)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, "inst-1", gate.RequestID, schema.GateDecision{Action: schema.GateReject, Comment: "no"})
	require.NoError(t, err)

	// Second decision, even an identical one, is rejected.
	_, err = m.Resolve(ctx, "inst-1", gate.RequestID, schema.GateDecision{Action: schema.GateReject, Comment: "no"})
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeConflict, me.Code)

	// The frozen decision is unchanged.
	got, err := m.Get("inst-1", gate.RequestID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateReject, got.Decision.Action)
	assert.Equal(t, "no", got.Decision.Comment)
}

func TestResolveValidation(t *testing.T) {
	m := newTestManager(nil)
	ctx := context.Background()

	_, err := m.Resolve(ctx, "inst-1", "nope", schema.GateDecision{Action: schema.GateApprove})
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeNotFound, me.Code)

	gate, err := m.Open(ctx, "inst-1", "gate", nil)
	require.NoError(t, err)
	_, err = m.Resolve(ctx, "inst-1", gate.RequestID, schema.GateDecision{Action: "maybe"})
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeValidation, me.Code)
}

func TestResolveScopedToInstance(t *testing.T) {
	m := newTestManager(nil)
	ctx := context.Background()
	m.OnResolve(func(*schema.GateRequest) {})

	gate, err := m.Open(ctx, "inst-1", "gate", nil)
	require.NoError(t, err)

	// A valid request id under the wrong instance resolves nothing.
	_, err = m.Resolve(ctx, "inst-2", gate.RequestID, schema.GateDecision{Action: schema.GateApprove})
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeNotFound, me.Code)

	_, err = m.Get("inst-2", gate.RequestID)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeNotFound, me.Code)

	// The gate is still pending and resolvable under its own instance.
	got, err := m.Get("inst-1", gate.RequestID)
	require.NoError(t, err)
	assert.Equal(t, schema.GatePending, got.Status)

	resolved, err := m.Resolve(ctx, "inst-1", gate.RequestID, schema.GateDecision{Action: schema.GateApprove})
	require.NoError(t, err)
	assert.Equal(t, schema.GateResolved, resolved.Status)
}

func TestPendingScopedToInstance(t *testing.T) {
	m := newTestManager(nil)
	ctx := context.Background()
	m.OnResolve(func(*schema.GateRequest) {})

	g1, err := m.Open(ctx, "inst-1", "a", nil)
	require.NoError(t, err)
	_, err = m.Open(ctx, "inst-1", "b", nil)
	require.NoError(t, err)
	_, err = m.Open(ctx, "inst-2", "a", nil)
	require.NoError(t, err)

	assert.Len(t, m.Pending("inst-1"), 2)
	assert.Len(t, m.Pending("inst-2"), 1)
	assert.Empty(t, m.Pending("inst-3"))

	_, err = m.Resolve(ctx, "inst-1", g1.RequestID, schema.GateDecision{Action: schema.GateApprove})
	require.NoError(t, err)

	pending := m.Pending("inst-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].TaskID)
}

func TestCloseInstanceCancelsPendingGates(t *testing.T) {
	store := &memGateStore{}
	m := newTestManager(store)
	ctx := context.Background()
	m.OnResolve(func(*schema.GateRequest) {})

	gate, err := m.Open(ctx, "inst-1", "gate", nil)
	require.NoError(t, err)
	other, err := m.Open(ctx, "inst-2", "gate", nil)
	require.NoError(t, err)

	m.CloseInstance(ctx, "inst-1")

	// The closed gate is gone: no longer pending, no longer resolvable.
	assert.Empty(t, m.Pending("inst-1"))
	_, err = m.Resolve(ctx, "inst-1", gate.RequestID, schema.GateDecision{Action: schema.GateApprove})
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeNotFound, me.Code)

	// The cancelled status was persisted.
	store.mu.Lock()
	last := store.saved[len(store.saved)-1]
	store.mu.Unlock()
	assert.Equal(t, gate.RequestID, last.RequestID)
	assert.Equal(t, schema.GateCancelled, last.Status)
	require.NotNil(t, last.ResolvedAt)

	// Other instances keep their gates.
	require.Len(t, m.Pending("inst-2"), 1)
	_, err = m.Resolve(ctx, "inst-2", other.RequestID, schema.GateDecision{Action: schema.GateApprove})
	require.NoError(t, err)
}

func TestRestoreMakesPendingGatesResolvable(t *testing.T) {
	m := newTestManager(nil)
	m.Restore([]*schema.GateRequest{
		{RequestID: "req-1", InstanceID: "inst-1", TaskID: "gate", Status: schema.GatePending},
	})

	var notified bool
	m.OnResolve(func(*schema.GateRequest) { notified = true })

	resolved, err := m.Resolve(context.Background(), "inst-1", "req-1", schema.GateDecision{Action: schema.GateApprove})
	require.NoError(t, err)
	assert.Equal(t, schema.GateResolved, resolved.Status)
	assert.True(t, notified)
}

func TestOpenFailsWhenStoreFails(t *testing.T) {
	m := newTestManager(&memGateStore{fail: true})

	_, err := m.Open(context.Background(), "inst-1", "gate", nil)
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeStore, me.Code)
	assert.Equal(t, "gate", me.TaskID)
}
