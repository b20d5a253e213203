package schema

import (
	"encoding/json"
	"time"
)

// GateAction enumerates the decisions a human can record on a gate.
type GateAction string

const (
	GateApprove GateAction = "approve"
	GateReject  GateAction = "reject"
)

// GateStatus is the lifecycle state of an approval gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateResolved GateStatus = "resolved"
	// GateCancelled marks a gate whose instance reached a terminal status
	// before anyone resolved it.
	GateCancelled GateStatus = "cancelled"
)

// GateRequest is one outstanding human-approval request, scoped to a single
// workflow instance. Exactly one pending request exists per HITL task entry
// into hitl_wait.
type GateRequest struct {
	RequestID  string          `json:"request_id"`
	InstanceID string          `json:"instance_id"`
	TaskID     string          `json:"task_id"`
	Context    json.RawMessage `json:"context,omitempty"` // resolved task input shown to the approver
	Status     GateStatus      `json:"status"`
	Decision   *GateDecision   `json:"decision,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// GateDecision is the recorded human decision. Frozen after the first resolve.
type GateDecision struct {
	Action     GateAction      `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"` // becomes the task output on approve
	ResolvedBy string          `json:"resolved_by,omitempty"`
	Comment    string          `json:"comment,omitempty"`
}
