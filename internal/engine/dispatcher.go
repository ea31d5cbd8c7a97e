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

// Dispatch modes. Inline executes matching workflows in the caller's
// goroutine before returning; queued enqueues one job per match and lets
// the worker pool execute under leases.
const (
	ModeInline = "inline"
	ModeQueued = "queued"
)

// TriggerDispatcher fans one domain event out to every enabled workflow
// whose trigger matches it. Each match gets its own run; one workflow
// failing never affects its siblings.
type TriggerDispatcher struct {
	store     store.Store
	lifecycle *Lifecycle
	mode      string
	logger    *slog.Logger
}

// NewTriggerDispatcher wires a dispatcher. Unknown modes fall back to inline.
func NewTriggerDispatcher(st store.Store, lifecycle *Lifecycle, mode string, logger *slog.Logger) *TriggerDispatcher {
	if mode != ModeQueued {
		mode = ModeInline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerDispatcher{store: st, lifecycle: lifecycle, mode: mode, logger: logger}
}

// Mode returns the configured dispatch mode.
func (d *TriggerDispatcher) Mode() string { return d.mode }

// DispatchRecordEvent dispatches a record_created/updated/deleted event.
// The run payload carries the record's fields at top level (reserved keys
// win on collision) plus the full record under "record".
func (d *TriggerDispatcher) DispatchRecordEvent(ctx context.Context, tenantID string, triggerType schema.TriggerType, record *Record) ([]*schema.WorkflowRun, error) {
	payload := map[string]any{}
	for k, v := range record.Data {
		payload[k] = v
	}
	payload["record_id"] = record.ID
	payload["entity"] = record.Entity
	payload["record"] = map[string]any{
		"id":     record.ID,
		"entity": record.Entity,
		"data":   record.Data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode record event payload").WithCause(err)
	}
	trigger := schema.Trigger{Type: triggerType, Entity: record.Entity}
	return d.Dispatch(ctx, tenantID, trigger, raw)
}

// DispatchScheduleTick dispatches one schedule_tick event for a key.
func (d *TriggerDispatcher) DispatchScheduleTick(ctx context.Context, tenantID, scheduleKey string, tickAt time.Time) ([]*schema.WorkflowRun, error) {
	raw, err := json.Marshal(map[string]any{
		"schedule_key": scheduleKey,
		"tick_at":      tickAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode schedule tick payload").WithCause(err)
	}
	trigger := schema.Trigger{Type: schema.TriggerScheduleTick, ScheduleKey: scheduleKey}
	return d.Dispatch(ctx, tenantID, trigger, raw)
}

// Dispatch matches the trigger against enabled definitions and starts one
// run per match, as the workflow-runtime principal. In queued mode each run
// is enqueued with a definition snapshot; in inline mode runs execute to a
// terminal state before Dispatch returns.
func (d *TriggerDispatcher) Dispatch(ctx context.Context, tenantID string, trigger schema.Trigger, payload json.RawMessage) ([]*schema.WorkflowRun, error) {
	ctx = logging.WithTenantID(ctx, tenantID)

	defs, err := d.store.ListEnabledByTrigger(ctx, tenantID, trigger)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, nil
	}

	merged, err := mergeTriggeredBy(payload, schema.SystemActorID)
	if err != nil {
		return nil, err
	}

	runs := make([]*schema.WorkflowRun, 0, len(defs))
	for _, def := range defs {
		run, err := d.lifecycle.StartRun(ctx, def, merged)
		if err != nil {
			d.logger.ErrorContext(ctx, "trigger dispatch: run creation failed",
				slog.String("workflow", def.LogicalName),
				slog.String("error", err.Error()))
			continue
		}

		if d.mode == ModeQueued {
			if err := d.enqueue(ctx, def, run); err != nil {
				d.logger.ErrorContext(ctx, "trigger dispatch: enqueue failed",
					slog.String("workflow", def.LogicalName),
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()))
				continue
			}
		} else {
			// Dead-lettering is a run outcome, not a dispatch failure. An
			// infra abort that leaves the run non-terminal is one, and that
			// run does not count as invoked.
			status, runErr := d.lifecycle.RunAttempts(ctx, def, run)
			if runErr != nil {
				d.logger.WarnContext(ctx, "trigger dispatch: inline run failed",
					slog.String("workflow", def.LogicalName),
					slog.String("run_id", run.ID),
					slog.String("error", runErr.Error()))
			}
			if !status.Terminal() {
				continue
			}
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// enqueue snapshots the definition into a pending job so in-flight runs are
// immune to concurrent definition edits.
func (d *TriggerDispatcher) enqueue(ctx context.Context, def *schema.WorkflowDefinition, run *schema.WorkflowRun) error {
	return d.store.EnqueueRunJob(ctx, &store.QueuedJob{
		ID:             uuid.NewString(),
		TenantID:       def.TenantID,
		TenantHash:     schema.TenantHash(def.TenantID),
		RunID:          run.ID,
		Definition:     *def,
		TriggerPayload: run.TriggerPayload,
		Status:         store.JobPending,
		CreatedAt:      time.Now().UTC(),
	})
}
