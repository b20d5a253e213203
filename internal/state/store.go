package state

import (
	"sort"
	"sync"
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Store holds the task records of one workflow instance. All mutations go
// through Transition or CompareAndUpdate, which enforce the task state
// machine and bump the record version; readers only ever see clones.
// Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*schema.TaskRecord
}

// NewStore creates a store with one pending record per task id.
func NewStore(taskIDs []string) *Store {
	s := &Store{tasks: make(map[string]*schema.TaskRecord, len(taskIDs))}
	for _, id := range taskIDs {
		s.tasks[id] = &schema.TaskRecord{TaskID: id, State: schema.TaskPending}
	}
	return s
}

// Restore creates a store from previously persisted records. Used when
// resuming an instance after a restart.
func Restore(records map[string]*schema.TaskRecord) *Store {
	s := &Store{tasks: make(map[string]*schema.TaskRecord, len(records))}
	for id, rec := range records {
		s.tasks[id] = rec.Clone()
	}
	return s
}

// Get returns a clone of the record, or a NOT_FOUND error.
func (s *Store) Get(taskID string) (*schema.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	return rec.Clone(), nil
}

// State returns the current state of a task, or "" for an unknown id.
func (s *Store) State(taskID string) schema.TaskState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return ""
	}
	return rec.State
}

// Snapshot returns clones of all records keyed by task id.
func (s *Store) Snapshot() map[string]*schema.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*schema.TaskRecord, len(s.tasks))
	for id, rec := range s.tasks {
		out[id] = rec.Clone()
	}
	return out
}

// Transition moves a task to a new state, applying mutate (may be nil) to the
// record under the lock before the version bump. Rejects transitions the
// state machine does not allow.
func (s *Store) Transition(taskID string, to schema.TaskState, mutate func(*schema.TaskRecord)) (*schema.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	if !schema.CanTransitionTask(rec.State, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition from %s to %s", rec.State, to).WithTask(taskID)
	}

	from := rec.State
	rec.State = to
	now := time.Now().UTC()
	switch to {
	case schema.TaskRunning:
		rec.StartedAt = &now
		if from != schema.TaskRetryWait {
			rec.Attempts = 0
		}
		rec.Attempts++
	case schema.TaskSuccess, schema.TaskFailed, schema.TaskCancelled, schema.TaskSkipped:
		rec.FinishedAt = &now
	}
	if mutate != nil {
		mutate(rec)
	}
	rec.Version++
	return rec.Clone(), nil
}

// CompareAndUpdate applies mutate only when the caller's version matches the
// stored one; a stale version yields VERSION_CONFLICT and no change. The
// mutate callback may change any field except Version, which is bumped here.
func (s *Store) CompareAndUpdate(taskID string, expectedVersion int64, mutate func(*schema.TaskRecord) error) (*schema.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	if rec.Version != expectedVersion {
		return nil, schema.NewErrorf(schema.ErrCodeVersionConflict,
			"version %d does not match current %d", expectedVersion, rec.Version).WithTask(taskID)
	}

	staged := rec.Clone()
	if err := mutate(staged); err != nil {
		return nil, err
	}
	if staged.State != rec.State && !schema.CanTransitionTask(rec.State, staged.State) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot transition from %s to %s", rec.State, staged.State).WithTask(taskID)
	}
	staged.Version = rec.Version + 1
	s.tasks[taskID] = staged
	return staged.Clone(), nil
}

// InStates returns the ids of tasks currently in any of the given states,
// sorted lexically.
func (s *Store) InStates(states ...schema.TaskState) []string {
	want := make(map[schema.TaskState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, rec := range s.tasks {
		if want[rec.State] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AllTerminal reports whether every task has reached a terminal state.
func (s *Store) AllTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.tasks {
		if !rec.State.Terminal() {
			return false
		}
	}
	return true
}
