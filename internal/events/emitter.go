package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Emitter assigns per-instance sequence numbers and fans events out to the
// durable sink and the live hub. The sink write happens first so a consumer
// replaying the log plus tailing the hub sees every event at least once.
type Emitter struct {
	hub    Hub
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[string]int64
}

// NewEmitter creates an Emitter. sink may be nil for in-memory-only runs.
func NewEmitter(hub Hub, sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{
		hub:    hub,
		sink:   sink,
		logger: logger,
		seqs:   make(map[string]int64),
	}
}

// ResumeFrom seeds the sequence counter for an instance, so events emitted
// after a restart continue the numbering of the persisted log.
func (e *Emitter) ResumeFrom(instanceID string, lastSeq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lastSeq > e.seqs[instanceID] {
		e.seqs[instanceID] = lastSeq
	}
}

// Forget drops the sequence counter of a finished instance.
func (e *Emitter) Forget(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seqs, instanceID)
}

// EmitInstance emits an instance-level event (no task id, no state pair).
func (e *Emitter) EmitInstance(ctx context.Context, instanceID, eventType string, payload json.RawMessage) schema.Event {
	return e.emit(ctx, schema.Event{
		InstanceID: instanceID,
		Type:       eventType,
		Payload:    payload,
	})
}

// EmitTask emits a task transition event.
func (e *Emitter) EmitTask(ctx context.Context, instanceID, taskID, eventType string, from, to schema.TaskState, payload json.RawMessage) schema.Event {
	return e.emit(ctx, schema.Event{
		InstanceID: instanceID,
		TaskID:     taskID,
		Type:       eventType,
		From:       string(from),
		To:         string(to),
		Payload:    payload,
	})
}

func (e *Emitter) emit(ctx context.Context, ev schema.Event) schema.Event {
	e.mu.Lock()
	e.seqs[ev.InstanceID]++
	ev.Seq = e.seqs[ev.InstanceID]
	e.mu.Unlock()

	ev.Timestamp = time.Now().UTC()

	if e.sink != nil {
		if err := e.sink.Append(ctx, ev); err != nil {
			e.logger.ErrorContext(ctx, "event log append failed",
				"instance_id", ev.InstanceID, "seq", ev.Seq, "type", ev.Type, "error", err)
		}
	}
	if err := e.hub.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			"instance_id", ev.InstanceID, "seq", ev.Seq, "type", ev.Type, "error", err)
	}
	return ev
}
