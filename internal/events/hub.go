package events

import (
	"context"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// Hub provides pub/sub for live workflow events. Delivery is at-least-once
// for attached subscribers; per-instance ordering follows Event.Seq.
type Hub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}

// Sink receives every emitted event for durable storage; the event log in
// the store package implements it.
type Sink interface {
	Append(ctx context.Context, event schema.Event) error
}
