package store

import (
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Schedule is a cron-triggered resubmission of a stored definition.
type Schedule struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	CronExpr   string                    `json:"cron_expr"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Enabled    bool                      `json:"enabled"`
	CreatedAt  time.Time                 `json:"created_at"`
	LastRunAt  *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time                `json:"next_run_at,omitempty"`
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	Status *schema.InstanceStatus
	Since  *time.Time
	Limit  int
	Offset int
}

// ScheduleRun records the outcome of one scheduled trigger.
type ScheduleRun struct {
	LastRunAt time.Time
	NextRunAt *time.Time
}
