package store

import (
	"context"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. A Store satisfies the
// engine's snapshot interface, the emitter's event sink, and the gate
// manager's gate store.
type Store interface {
	// Instance snapshots
	SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	LoadInstance(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error)
	DeleteInstance(ctx context.Context, instanceID string) error

	// Event log (append-only)
	Append(ctx context.Context, event schema.Event) error
	ListEvents(ctx context.Context, instanceID string, since int64) ([]schema.Event, error)
	LastEventSeq(ctx context.Context, instanceID string) (int64, error)

	// HITL gates
	SaveGate(ctx context.Context, gate *schema.GateRequest) error
	GetGate(ctx context.Context, requestID string) (*schema.GateRequest, error)
	PendingGates(ctx context.Context, instanceID string) ([]*schema.GateRequest, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	RecordScheduleRun(ctx context.Context, id string, run ScheduleRun) error
	DeleteSchedule(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
