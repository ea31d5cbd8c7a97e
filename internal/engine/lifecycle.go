package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/pkg/schema"
)

const defaultMaxAttempts = 3

// Lifecycle drives a run through its retry loop: Running at creation,
// Succeeded after the first passing attempt, DeadLettered after max_attempts
// failures. Attempt records are appended unconditionally, so the attempt
// history is complete even when the process crashes between attempts.
type Lifecycle struct {
	store  store.Store
	interp *Interpreter
	authz  Authorizer
	retry  RetryConfig
	logger *slog.Logger
}

// NewLifecycle wires a Lifecycle. authz may be nil when manual entry points
// are not exposed (pure worker processes).
func NewLifecycle(st store.Store, interp *Interpreter, authz Authorizer, retry RetryConfig, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: st, interp: interp, authz: authz, retry: retry, logger: logger}
}

// StartRun persists a new Running run for the definition and payload.
func (l *Lifecycle) StartRun(ctx context.Context, def *schema.WorkflowDefinition, payload json.RawMessage) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{
		ID:             uuid.NewString(),
		TenantID:       def.TenantID,
		WorkflowName:   def.LogicalName,
		TriggerType:    def.Trigger.Type,
		TriggerEntity:  def.Trigger.Entity,
		TriggerPayload: payload,
		Status:         schema.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// RunAttempts executes the retry loop for an already-created run and
// finalizes it. Returns the terminal status; the error is the last attempt's
// failure when the run dead-letters, nil when it succeeds.
func (l *Lifecycle) RunAttempts(ctx context.Context, def *schema.WorkflowDefinition, run *schema.WorkflowRun) (schema.RunStatus, error) {
	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithWorkflow(ctx, def.LogicalName)
	ctx = logging.WithTenantID(ctx, def.TenantID)

	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		traces, execErr := l.interp.ExecuteSteps(ctx, def, run, attempt)

		record := &schema.WorkflowRunAttempt{
			RunID:         run.ID,
			AttemptNumber: attempt,
			Status:        schema.AttemptSucceeded,
			ExecutedAt:    time.Now().UTC(),
			Traces:        traces,
		}
		if execErr != nil {
			record.Status = schema.AttemptFailed
			record.ErrorMessage = execErr.Error()
		}
		if err := l.store.AppendRunAttempt(ctx, run.TenantID, record); err != nil {
			return schema.RunStatusRunning, err
		}

		if execErr == nil {
			if err := l.finalize(ctx, run, schema.RunStatusSucceeded, attempt, ""); err != nil {
				return schema.RunStatusRunning, err
			}
			l.logger.InfoContext(ctx, "workflow run succeeded",
				slog.Int("attempts", attempt))
			return schema.RunStatusSucceeded, nil
		}

		lastErr = execErr
		l.logger.WarnContext(ctx, "workflow attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", execErr.Error()))

		if attempt < maxAttempts {
			if err := WaitForBackoff(ctx, ComputeBackoff(l.retry, attempt)); err != nil {
				return schema.RunStatusRunning, err
			}
		}
	}

	if err := l.finalize(ctx, run, schema.RunStatusDeadLettered, maxAttempts, lastErr.Error()); err != nil {
		return schema.RunStatusRunning, err
	}
	l.logger.ErrorContext(ctx, "workflow run dead-lettered",
		slog.Int("attempts", maxAttempts),
		slog.String("reason", lastErr.Error()))
	return schema.RunStatusDeadLettered, lastErr
}

// ExecuteWorkflow is the manual entry point: authorize, load the enabled
// definition, and execute it inline through the full retry loop. The actor
// is recorded in the trigger payload as triggered_by.
func (l *Lifecycle) ExecuteWorkflow(ctx context.Context, actor schema.Actor, tenantID, logicalName string, payload json.RawMessage) (*schema.WorkflowRun, error) {
	if !actor.System && l.authz != nil {
		if err := l.authz.Can(ctx, actor, PermissionManageWorkflows); err != nil {
			return nil, err
		}
	}

	def, err := l.store.GetWorkflow(ctx, tenantID, logicalName)
	if err != nil {
		return nil, err
	}
	if !def.IsEnabled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q is disabled", logicalName)
	}

	merged, err := mergeTriggeredBy(payload, actor.ID)
	if err != nil {
		return nil, err
	}

	run, err := l.StartRun(ctx, def, merged)
	if err != nil {
		return nil, err
	}
	status, runErr := l.RunAttempts(ctx, def, run)
	if !status.Terminal() {
		return nil, runErr
	}
	// A dead-lettered run is still a successful execution call; the caller
	// reads the outcome off the returned run.
	return l.store.GetRun(ctx, tenantID, run.ID)
}

// RetryRunStep re-executes a single step of a terminal run as a fresh
// appended attempt. A succeeding retry flips the run to Succeeded; a
// failing one leaves it DeadLettered with the new reason.
func (l *Lifecycle) RetryRunStep(ctx context.Context, actor schema.Actor, tenantID, runID, rawPath string) (*schema.WorkflowRunAttempt, error) {
	if !actor.System && l.authz != nil {
		if err := l.authz.Can(ctx, actor, PermissionManageWorkflows); err != nil {
			return nil, err
		}
	}

	path, err := schema.ParseStepPath(rawPath)
	if err != nil {
		return nil, err
	}

	run, err := l.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is still %s; only finished runs can be step-retried", runID, run.Status)
	}

	def, err := l.store.GetWorkflow(ctx, tenantID, run.WorkflowName)
	if err != nil {
		return nil, err
	}

	// A path that does not address a concrete step is the caller's error,
	// not a step failure: it must not add an attempt or re-finalize the run.
	attemptNumber := run.Attempts + 1
	step, scope, err := l.interp.ResolveStep(def, run, attemptNumber, path)
	if err != nil {
		return nil, err
	}

	trace, execErr := l.interp.ExecuteStep(ctx, step, path, scope, run, attemptNumber)

	record := &schema.WorkflowRunAttempt{
		RunID:         run.ID,
		AttemptNumber: attemptNumber,
		Status:        schema.AttemptSucceeded,
		ExecutedAt:    time.Now().UTC(),
	}
	if trace != nil {
		record.Traces = []schema.StepTrace{*trace}
	}

	status := schema.RunStatusSucceeded
	reason := ""
	if execErr != nil {
		record.Status = schema.AttemptFailed
		record.ErrorMessage = execErr.Error()
		status = schema.RunStatusDeadLettered
		reason = execErr.Error()
	}

	if err := l.store.AppendRunAttempt(ctx, tenantID, record); err != nil {
		return nil, err
	}
	if err := l.store.CompleteRun(ctx, tenantID, runID, status, attemptNumber, reason); err != nil {
		return nil, err
	}

	l.audit(ctx, tenantID, actor.ID, schema.AuditStepRetried, run.WorkflowName, run.ID, map[string]any{
		"step_path": rawPath,
		"status":    string(record.Status),
	})
	return record, execErr
}

// finalize completes the run row and emits the run-completed audit event.
func (l *Lifecycle) finalize(ctx context.Context, run *schema.WorkflowRun, status schema.RunStatus, attempts int, reason string) error {
	if err := l.store.CompleteRun(ctx, run.TenantID, run.ID, status, attempts, reason); err != nil {
		return err
	}
	run.Status = status
	run.Attempts = attempts
	run.DeadLetterReason = reason

	l.audit(ctx, run.TenantID, schema.SystemActorID, schema.AuditRunCompleted, run.WorkflowName, run.ID, map[string]any{
		"status":   string(status),
		"attempts": attempts,
	})
	return nil
}

// audit appends an event; audit failures are logged, never propagated.
func (l *Lifecycle) audit(ctx context.Context, tenantID, actorID, action, workflowName, runID string, details map[string]any) {
	raw, _ := json.Marshal(details)
	event := &schema.AuditEvent{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       action,
		WorkflowName: workflowName,
		RunID:        runID,
		Details:      raw,
		OccurredAt:   time.Now().UTC(),
	}
	if err := l.store.AppendAuditEvent(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "audit append failed",
			slog.String("action", action),
			slog.String("error", err.Error()))
	}
}

// mergeTriggeredBy records the initiating actor in the trigger payload
// without clobbering an existing key.
func mergeTriggeredBy(payload json.RawMessage, actorID string) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"trigger payload must be a JSON object").WithCause(err)
		}
	}
	if _, exists := doc["triggered_by"]; !exists {
		doc["triggered_by"] = actorID
	}
	return json.Marshal(doc)
}
