package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

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

// --- Workflow definitions ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	enabled := 0
	if def.IsEnabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (tenant_id, logical_name, definition, trigger_type, trigger_entity, schedule_key, is_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, logical_name) DO UPDATE SET
		   definition=excluded.definition, trigger_type=excluded.trigger_type,
		   trigger_entity=excluded.trigger_entity, schedule_key=excluded.schedule_key,
		   is_enabled=excluded.is_enabled, updated_at=CURRENT_TIMESTAMP`,
		def.TenantID, def.LogicalName, string(doc), string(def.Trigger.Type),
		nullStr(def.Trigger.Entity), nullStr(def.Trigger.ScheduleKey), enabled,
		time.Now().UTC(), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, tenantID, logicalName string) (*schema.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE tenant_id = ? AND logical_name = ?`,
		tenantID, logicalName,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", logicalName)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.EnabledOnly {
		where = append(where, "is_enabled = 1")
	}

	query := `SELECT definition FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY logical_name"
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
	return scanDefinitions(rows)
}

func (s *LibSQLStore) ListEnabledByTrigger(ctx context.Context, tenantID string, trigger schema.Trigger) ([]*schema.WorkflowDefinition, error) {
	where := []string{"tenant_id = ?", "is_enabled = 1", "trigger_type = ?"}
	args := []any{tenantID, string(trigger.Type)}

	switch trigger.Type {
	case schema.TriggerRecordCreated, schema.TriggerRecordUpdated, schema.TriggerRecordDeleted:
		where = append(where, "trigger_entity = ?")
		args = append(args, trigger.Entity)
	case schema.TriggerScheduleTick:
		where = append(where, "schedule_key = ?")
		args = append(args, trigger.ScheduleKey)
	}

	query := `SELECT definition FROM workflows WHERE ` + strings.Join(where, " AND ") + ` ORDER BY logical_name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

func scanDefinitions(rows *sql.Rows) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, tenant_id, workflow_logical_name, trigger_type, trigger_entity, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.WorkflowName, string(run.TriggerType),
		nullStr(run.TriggerEntity), nullRaw(run.TriggerPayload),
		string(run.Status), run.Attempts, nullStr(run.DeadLetterReason),
		timeOrNow(run.StartedAt), nullTime(run.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, tenantID, runID string) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	var (
		entity, reason  sql.NullString
		payload         sql.NullString
		status, trigger string
		finishedAt      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, workflow_logical_name, trigger_type, trigger_entity, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at
		 FROM workflow_runs WHERE tenant_id = ? AND id = ?`, tenantID, runID,
	).Scan(&run.ID, &run.TenantID, &run.WorkflowName, &trigger, &entity, &payload,
		&status, &run.Attempts, &reason, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	run.TriggerType = schema.TriggerType(trigger)
	run.TriggerEntity = entity.String
	run.TriggerPayload = rawOrNil(payload)
	run.Status = schema.RunStatus(status)
	run.DeadLetterReason = reason.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_logical_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, tenant_id, workflow_logical_name, trigger_type, trigger_entity, trigger_payload, status, attempts, dead_letter_reason, started_at, finished_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
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

	var runs []*schema.WorkflowRun
	for rows.Next() {
		run := &schema.WorkflowRun{}
		var (
			entity, reason  sql.NullString
			payload         sql.NullString
			status, trigger string
			finishedAt      sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.TenantID, &run.WorkflowName, &trigger, &entity, &payload,
			&status, &run.Attempts, &reason, &run.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		run.TriggerType = schema.TriggerType(trigger)
		run.TriggerEntity = entity.String
		run.TriggerPayload = rawOrNil(payload)
		run.Status = schema.RunStatus(status)
		run.DeadLetterReason = reason.String
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Attempts ---

func (s *LibSQLStore) AppendRunAttempt(ctx context.Context, tenantID string, attempt *schema.WorkflowRunAttempt) error {
	traces, err := json.Marshal(attempt.Traces)
	if err != nil {
		return fmt.Errorf("marshal traces: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_run_attempts (run_id, tenant_id, attempt_number, status, error_message, executed_at, traces)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		attempt.RunID, tenantID, attempt.AttemptNumber, string(attempt.Status),
		nullStr(attempt.ErrorMessage), timeOrNow(attempt.ExecutedAt), string(traces),
	)
	return err
}

func (s *LibSQLStore) ListRunAttempts(ctx context.Context, tenantID, runID string) ([]*schema.WorkflowRunAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, attempt_number, status, error_message, executed_at, traces
		 FROM workflow_run_attempts WHERE tenant_id = ? AND run_id = ? ORDER BY attempt_number ASC`,
		tenantID, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*schema.WorkflowRunAttempt
	for rows.Next() {
		a := &schema.WorkflowRunAttempt{}
		var status string
		var errMsg, traces sql.NullString
		if err := rows.Scan(&a.RunID, &a.AttemptNumber, &status, &errMsg, &a.ExecutedAt, &traces); err != nil {
			return nil, err
		}
		a.Status = schema.AttemptStatus(status)
		a.ErrorMessage = errMsg.String
		if traces.Valid && traces.String != "" {
			if err := json.Unmarshal([]byte(traces.String), &a.Traces); err != nil {
				return nil, fmt.Errorf("unmarshal traces: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *LibSQLStore) CompleteRun(ctx context.Context, tenantID, runID string, status schema.RunStatus, attempts int, deadLetterReason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, attempts = ?, dead_letter_reason = ?, finished_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(status), attempts, nullStr(deadLetterReason), time.Now().UTC(), tenantID, runID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", runID)
}

// --- Audit ---

func (s *LibSQLStore) AppendAuditEvent(ctx context.Context, event *schema.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, tenant_id, actor_id, action, workflow_logical_name, run_id, details, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.TenantID, event.ActorID, event.Action,
		nullStr(event.WorkflowName), nullStr(event.RunID), nullRaw(event.Details),
		timeOrNow(event.OccurredAt),
	)
	return err
}

func (s *LibSQLStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]*schema.AuditEvent, error) {
	query := `SELECT id, tenant_id, actor_id, action, workflow_logical_name, run_id, details, occurred_at
	 FROM audit_events WHERE tenant_id = ? ORDER BY occurred_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.AuditEvent
	for rows.Next() {
		e := &schema.AuditEvent{}
		var wfName, runID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &wfName, &runID, &details, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.WorkflowName = wfName.String
		e.RunID = runID.String
		e.Details = rawOrNil(details)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
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
