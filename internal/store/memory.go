package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and storeless serving. Data
// does not survive a restart; Resume is only meaningful within one process.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*schema.WorkflowInstance
	events    map[string][]schema.Event
	gates     map[string]*schema.GateRequest
	schedules map[string]*Schedule
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*schema.WorkflowInstance),
		events:    make(map[string][]schema.Event),
		gates:     make(map[string]*schema.GateRequest),
		schedules: make(map[string]*Schedule),
	}
}

func (s *MemoryStore) SaveInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.InstanceID] = cloneInstance(inst)
	return nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, storeNotFound("instance", instanceID)
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	all := make([]*schema.WorkflowInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		all = append(all, inst)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	var out []*schema.WorkflowInstance
	for _, inst := range all {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && inst.CreatedAt.Before(*filter.Since) {
			continue
		}
		// Listings skip task records, same as the SQL store.
		c := cloneInstance(inst)
		c.Tasks = nil
		out = append(out, c)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return storeNotFound("instance", instanceID)
	}
	delete(s.instances, instanceID)
	delete(s.events, instanceID)
	return nil
}

func (s *MemoryStore) Append(_ context.Context, event schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[event.InstanceID] {
		if ev.Seq == event.Seq {
			// At-least-once replays are ignored.
			return nil
		}
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, instanceID string, since int64) ([]schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Event
	for _, ev := range s.events[instanceID] {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) LastEventSeq(_ context.Context, instanceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, ev := range s.events[instanceID] {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

func (s *MemoryStore) SaveGate(_ context.Context, gate *schema.GateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[gate.RequestID] = cloneStoredGate(gate)
	return nil
}

func (s *MemoryStore) GetGate(_ context.Context, requestID string) (*schema.GateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gate, ok := s.gates[requestID]
	if !ok {
		return nil, storeNotFound("gate", requestID)
	}
	return cloneStoredGate(gate), nil
}

func (s *MemoryStore) PendingGates(_ context.Context, instanceID string) ([]*schema.GateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.GateRequest
	for _, gate := range s.gates {
		if gate.InstanceID == instanceID && gate.Status == schema.GatePending {
			out = append(out, cloneStoredGate(gate))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sched
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.schedules[sched.ID] = &c
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	c := *sched
	return &c, nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Schedule
	for _, sched := range s.schedules {
		if enabledOnly && !sched.Enabled {
			continue
		}
		c := *sched
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RecordScheduleRun(_ context.Context, id string, run ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	t := run.LastRunAt
	sched.LastRunAt = &t
	sched.NextRunAt = run.NextRunAt
	return nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneInstance(inst *schema.WorkflowInstance) *schema.WorkflowInstance {
	c := *inst
	if inst.Tasks != nil {
		c.Tasks = make(map[string]*schema.TaskRecord, len(inst.Tasks))
		for id, rec := range inst.Tasks {
			c.Tasks[id] = rec.Clone()
		}
	}
	return &c
}

func cloneStoredGate(gate *schema.GateRequest) *schema.GateRequest {
	c := *gate
	if gate.Decision != nil {
		d := *gate.Decision
		c.Decision = &d
	}
	if gate.Context != nil {
		c.Context = append(json.RawMessage(nil), gate.Context...)
	}
	if gate.ResolvedAt != nil {
		t := *gate.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
