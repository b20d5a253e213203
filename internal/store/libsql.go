package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/conduitworks/maestro/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Instances ---

// SaveInstance upserts the instance row and every task record in one
// transaction, so a snapshot is either fully visible or not at all.
func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	var errJSON json.RawMessage
	if inst.Error != nil {
		if errJSON, err = json.Marshal(inst.Error); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (id, definition, status, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   definition=excluded.definition, status=excluded.status, output=excluded.output,
		   error=excluded.error, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, updated_at=CURRENT_TIMESTAMP`,
		inst.InstanceID, string(def), string(inst.Status), nullRaw(inst.Output), nullRaw(errJSON),
		timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}

	for _, rec := range inst.Tasks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_records (instance_id, task_id, state, attempts, output, error, version, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(instance_id, task_id) DO UPDATE SET
			   state=excluded.state, attempts=excluded.attempts, output=excluded.output,
			   error=excluded.error, version=excluded.version,
			   started_at=excluded.started_at, finished_at=excluded.finished_at`,
			inst.InstanceID, rec.TaskID, string(rec.State), rec.Attempts,
			nullRaw(rec.Output), nullStr(rec.Error), rec.Version,
			nullTime(rec.StartedAt), nullTime(rec.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert task record %s: %w", rec.TaskID, err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) LoadInstance(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var (
		defJSON                string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition, status, output, error, created_at, started_at, completed_at
		 FROM instances WHERE id = ?`, instanceID,
	).Scan(&inst.InstanceID, &defJSON, &status, &outputJSON, &errorJSON,
		&inst.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", instanceID)
	}
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &inst.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	inst.Output = rawOrNil(outputJSON)
	if errorJSON.Valid && errorJSON.String != "" {
		inst.Error = &schema.Error{}
		if err := json.Unmarshal([]byte(errorJSON.String), inst.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}

	inst.Tasks, err = s.loadTaskRecords(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *LibSQLStore) loadTaskRecords(ctx context.Context, instanceID string) (map[string]*schema.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, state, attempts, output, error, version, started_at, finished_at
		 FROM task_records WHERE instance_id = ?`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]*schema.TaskRecord)
	for rows.Next() {
		rec := &schema.TaskRecord{}
		var state string
		var output, errStr sql.NullString
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&rec.TaskID, &state, &rec.Attempts, &output, &errStr,
			&rec.Version, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		rec.State = schema.TaskState(state)
		rec.Output = rawOrNil(output)
		rec.Error = errStr.String
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			rec.FinishedAt = &finishedAt.Time
		}
		records[rec.TaskID] = rec
	}
	return records, rows.Err()
}

// ListInstances returns instance snapshots without task records, newest first.
func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, definition, status, output, error, created_at, started_at, completed_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*schema.WorkflowInstance
	for rows.Next() {
		inst := &schema.WorkflowInstance{}
		var (
			defJSON                string
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&inst.InstanceID, &defJSON, &status, &outputJSON, &errorJSON,
			&inst.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		inst.Status = schema.InstanceStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &inst.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		inst.Output = rawOrNil(outputJSON)
		if errorJSON.Valid && errorJSON.String != "" {
			inst.Error = &schema.Error{}
			_ = json.Unmarshal([]byte(errorJSON.String), inst.Error)
		}
		if startedAt.Valid {
			inst.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *LibSQLStore) DeleteInstance(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, instanceID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", instanceID)
}

// --- Event log ---

// Append writes one event to the durable log. The emitter owns Seq; replays
// of the same (instance_id, seq) pair are ignored so at-least-once delivery
// stays idempotent.
func (s *LibSQLStore) Append(ctx context.Context, event schema.Event) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (instance_id, task_id, event_type, from_state, to_state, seq, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, seq) DO NOTHING`,
		event.InstanceID, nullStr(event.TaskID), event.Type,
		nullStr(event.From), nullStr(event.To), event.Seq, ts, nullRaw(event.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events with seq > since, ordered by seq ASC.
func (s *LibSQLStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, task_id, event_type, from_state, to_state, seq, timestamp, payload
		 FROM events WHERE instance_id = ? AND seq > ? ORDER BY seq ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var ev schema.Event
		var taskID, from, to, payload sql.NullString
		if err := rows.Scan(&ev.InstanceID, &taskID, &ev.Type, &from, &to,
			&ev.Seq, &ev.Timestamp, &payload); err != nil {
			return nil, err
		}
		ev.TaskID = taskID.String
		ev.From = from.String
		ev.To = to.String
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *LibSQLStore) LastEventSeq(ctx context.Context, instanceID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE instance_id = ?`, instanceID,
	).Scan(&seq)
	return seq, err
}

// --- Gates ---

func (s *LibSQLStore) SaveGate(ctx context.Context, gate *schema.GateRequest) error {
	var decision json.RawMessage
	if gate.Decision != nil {
		var err error
		if decision, err = json.Marshal(gate.Decision); err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gates (request_id, instance_id, task_id, context, status, decision, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   status=excluded.status, decision=excluded.decision, resolved_at=excluded.resolved_at`,
		gate.RequestID, gate.InstanceID, gate.TaskID, nullRaw(gate.Context),
		string(gate.Status), nullRaw(decision), timeOrNow(gate.CreatedAt), nullTime(gate.ResolvedAt),
	)
	return err
}

func (s *LibSQLStore) GetGate(ctx context.Context, requestID string) (*schema.GateRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, instance_id, task_id, context, status, decision, created_at, resolved_at
		 FROM gates WHERE request_id = ?`, requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gates, err := scanGates(rows)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, storeNotFound("gate", requestID)
	}
	return gates[0], nil
}

// PendingGates returns unresolved gates for an instance, oldest first.
func (s *LibSQLStore) PendingGates(ctx context.Context, instanceID string) ([]*schema.GateRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, instance_id, task_id, context, status, decision, created_at, resolved_at
		 FROM gates WHERE instance_id = ? AND status = ? ORDER BY created_at ASC`,
		instanceID, string(schema.GatePending),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGates(rows)
}

func scanGates(rows *sql.Rows) ([]*schema.GateRequest, error) {
	var gates []*schema.GateRequest
	for rows.Next() {
		g := &schema.GateRequest{}
		var status string
		var gateCtx, decision sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&g.RequestID, &g.InstanceID, &g.TaskID, &gateCtx,
			&status, &decision, &g.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		g.Status = schema.GateStatus(status)
		g.Context = rawOrNil(gateCtx)
		if decision.Valid && decision.String != "" {
			g.Decision = &schema.GateDecision{}
			if err := json.Unmarshal([]byte(decision.String), g.Decision); err != nil {
				return nil, fmt.Errorf("unmarshal decision: %w", err)
			}
		}
		if resolvedAt.Valid {
			g.ResolvedAt = &resolvedAt.Time
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	def, err := json.Marshal(sched.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, definition, enabled, created_at, last_run_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, nullStr(sched.Name), sched.CronExpr, string(def),
		boolInt(sched.Enabled), timeOrNow(sched.CreatedAt),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, definition, enabled, created_at, last_run_at, next_run_at
		 FROM schedules WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scheds, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(scheds) == 0 {
		return nil, storeNotFound("schedule", id)
	}
	return scheds[0], nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT id, name, cron_expr, definition, enabled, created_at, last_run_at, next_run_at FROM schedules`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *LibSQLStore) RecordScheduleRun(ctx context.Context, id string, run ScheduleRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		run.LastRunAt, nullTime(run.NextRunAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var scheds []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		var name sql.NullString
		var defJSON string
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sc.ID, &name, &sc.CronExpr, &defJSON, &enabled,
			&sc.CreatedAt, &lastRun, &nextRun); err != nil {
			return nil, err
		}
		sc.Name = name.String
		sc.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(defJSON), &sc.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sc.NextRunAt = &nextRun.Time
		}
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
