package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conduitworks/maestro/internal/store"
	"github.com/conduitworks/maestro/pkg/schema"
)

// Submitter is the interface the scheduler uses to launch workflow instances.
// Satisfied by the engine (avoids an import cycle).
type Submitter interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowInstance, error)
}

// Scheduler polls the store for due schedules and submits their definitions.
type Scheduler struct {
	store     store.Store
	submitter Submitter
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently submitting (dedup)
}

// New creates a Scheduler. interval <= 0 defaults to one minute.
func New(s store.Store, submitter Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval:  time.Minute,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("schedule poller started", "interval", s.interval)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick submits every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run schedule",
				"schedule_id", sched.ID, "error", err)
		}
		s.release(sched.ID)
	}
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	inst, err := s.submitter.Submit(ctx, &sched.Definition)
	if err != nil {
		s.logger.Error("scheduled submission rejected",
			"schedule_id", sched.ID, "workflow", sched.Definition.ID, "error", err)
	} else {
		s.logger.Info("scheduled workflow submitted",
			"schedule_id", sched.ID, "instance_id", inst.InstanceID)
	}

	next, nerr := s.NextRun(sched.CronExpr, now)
	if nerr != nil {
		return fmt.Errorf("next run for schedule %q: %w", sched.ID, nerr)
	}
	return s.store.RecordScheduleRun(ctx, sched.ID, store.ScheduleRun{
		LastRunAt: now,
		NextRunAt: &next,
	})
}

// NextRun computes the next trigger time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
