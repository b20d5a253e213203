package schema

import (
	"encoding/json"
	"time"
)

// Event type constants. Task events carry from/to states; instance events
// have an empty TaskID.
const (
	EventInstanceStarted    = "instance_started"
	EventInstanceCompleted  = "instance_completed"
	EventInstanceFailed     = "instance_failed"
	EventInstanceCancelling = "instance_cancelling"
	EventInstanceCancelled  = "instance_cancelled"

	EventTaskReady     = "task_ready"
	EventTaskStarted   = "task_started"
	EventTaskSucceeded = "task_succeeded"
	EventTaskFailed    = "task_failed"
	EventTaskRetrying  = "task_retrying"
	EventTaskCancelled = "task_cancelled"
	EventTaskSkipped   = "task_skipped"

	EventGateOpened   = "gate_opened"
	EventGateResolved = "gate_resolved"
)

// Event is one record in an instance's ordered transition stream.
// Seq is a per-instance monotonic sequence number; consumers detect gaps or
// reordering with it and must be idempotent on it (delivery is at-least-once).
type Event struct {
	InstanceID string          `json:"instance_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       string          `json:"type"`
	From       string          `json:"from_state,omitempty"`
	To         string          `json:"to_state,omitempty"`
	Seq        int64           `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
