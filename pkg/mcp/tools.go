package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/pkg/schema"
)

// handleDefine validates and stores a workflow definition.
func (s *FlowlineServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	if _, err := req.RequireString("actor_id"); err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	def.TenantID = tenantID

	if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
		return flowErrorResult(valErr), nil
	}
	if saveErr := s.store.SaveWorkflow(ctx, &def); saveErr != nil {
		return flowErrorResult(saveErr), nil
	}

	return marshalResult(map[string]any{
		"tenant_id":    def.TenantID,
		"logical_name": def.LogicalName,
		"is_enabled":   def.IsEnabled,
	})
}

// handleExecute runs a workflow inline and returns the finished run.
func (s *FlowlineServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	var payload json.RawMessage
	if params := mcp.ParseStringMap(req, "payload", nil); params != nil {
		raw, marshalErr := json.Marshal(params)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		payload = raw
	}

	actor := schema.Actor{ID: actorID, TenantID: tenantID}
	run, execErr := s.lifecycle.ExecuteWorkflow(ctx, actor, tenantID, workflow, payload)
	if execErr != nil {
		return flowErrorResult(execErr), nil
	}
	return marshalResult(run)
}

// handleDispatch fans a trigger event out to matching workflows.
func (s *FlowlineServer) handleDispatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	triggerType, err := req.RequireString("trigger_type")
	if err != nil {
		return mcp.NewToolResultError("trigger_type is required"), nil
	}

	trigger := schema.Trigger{
		Type:        schema.TriggerType(triggerType),
		Entity:      req.GetString("entity", ""),
		ScheduleKey: req.GetString("schedule_key", ""),
	}
	switch trigger.Type {
	case schema.TriggerRecordCreated, schema.TriggerRecordUpdated, schema.TriggerRecordDeleted:
		if trigger.Entity == "" {
			return mcp.NewToolResultError("entity is required for record triggers"), nil
		}
	case schema.TriggerScheduleTick:
		if trigger.ScheduleKey == "" {
			return mcp.NewToolResultError("schedule_key is required for schedule_tick"), nil
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown trigger_type: %s", triggerType)), nil
	}

	var payload json.RawMessage
	if params := mcp.ParseStringMap(req, "payload", nil); params != nil {
		raw, marshalErr := json.Marshal(params)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		payload = raw
	}

	runs, dispErr := s.dispatcher.Dispatch(ctx, tenantID, trigger, payload)
	if dispErr != nil {
		return flowErrorResult(dispErr), nil
	}

	runIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
	}
	return marshalResult(map[string]any{
		"matched": len(runs),
		"mode":    s.dispatcher.Mode(),
		"run_ids": runIDs,
	})
}

// handleRetryStep re-executes one step of a finished run.
func (s *FlowlineServer) handleRetryStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepPath, err := req.RequireString("step_path")
	if err != nil {
		return mcp.NewToolResultError("step_path is required"), nil
	}
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}

	actor := schema.Actor{ID: actorID, TenantID: tenantID}
	attempt, retryErr := s.lifecycle.RetryRunStep(ctx, actor, tenantID, runID, stepPath)
	if retryErr != nil && attempt == nil {
		return flowErrorResult(retryErr), nil
	}
	// A failed step retry still produced an attempt record; return it.
	return marshalResult(attempt)
}

// handleQuery lists workflows, runs, attempts, or audit events.
func (s *FlowlineServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, tenantID, filter)
	case "runs":
		return s.queryRuns(ctx, tenantID, filter)
	case "attempts":
		return s.queryAttempts(ctx, tenantID, filter)
	case "audit":
		return s.queryAudit(ctx, tenantID, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleStats reads queue depth and worker liveness counters.
func (s *FlowlineServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	window := req.GetInt("active_window_seconds", 60)

	var partition *schema.WorkflowClaimPartition
	count := req.GetInt("partition_count", 0)
	if count > 0 {
		p, err := schema.NewClaimPartition(count, req.GetInt("partition_index", 0))
		if err != nil {
			return flowErrorResult(err), nil
		}
		partition = &p
	}

	stats, err := s.store.QueueStats(ctx, window, partition)
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(stats)
}

// handleSecret manages tenant secrets through the vault.
func (s *FlowlineServer) handleSecret(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.vault == nil {
		return mcp.NewToolResultError("no vault configured; set a vault passphrase"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "set":
		key := req.GetString("key", "")
		value := req.GetString("value", "")
		if key == "" || value == "" {
			return mcp.NewToolResultError("set requires key and value"), nil
		}
		if storeErr := s.vault.Store(ctx, tenantID, key, []byte(value)); storeErr != nil {
			return flowErrorResult(storeErr), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key})
	case "delete":
		key := req.GetString("key", "")
		if key == "" {
			return mcp.NewToolResultError("delete requires key"), nil
		}
		if delErr := s.vault.Delete(ctx, tenantID, key); delErr != nil {
			return flowErrorResult(delErr), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key})
	case "list":
		keys, listErr := s.vault.List(ctx, tenantID)
		if listErr != nil {
			return flowErrorResult(listErr), nil
		}
		return marshalResult(map[string]any{"keys": keys})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Query helpers ---

func (s *FlowlineServer) queryWorkflows(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		TenantID: tenantID,
		Limit:    extractInt(filter, "limit", 50),
		Offset:   extractInt(filter, "offset", 0),
	}
	if enabledOnly, ok := filter["enabled_only"].(bool); ok {
		wf.EnabledOnly = enabledOnly
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *FlowlineServer) queryRuns(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		TenantID: tenantID,
		Limit:    extractInt(filter, "limit", 50),
		Offset:   extractInt(filter, "offset", 0),
	}
	if workflow, ok := filter["workflow"].(string); ok {
		rf.WorkflowName = workflow
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowlineServer) queryAttempts(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, ok := filter["run_id"].(string)
	if !ok || runID == "" {
		return mcp.NewToolResultError("attempt query requires 'run_id' in filter"), nil
	}

	attempts, err := s.store.ListRunAttempts(ctx, tenantID, runID)
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]any{"attempts": attempts})
}

func (s *FlowlineServer) queryAudit(ctx context.Context, tenantID string, filter map[string]any) (*mcp.CallToolResult, error) {
	events, err := s.store.ListAuditEvents(ctx, tenantID, extractInt(filter, "limit", 100))
	if err != nil {
		return flowErrorResult(err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// flowErrorResult renders an error as a tool error, preserving the
// structured code when the error is a FlowError.
func flowErrorResult(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fe.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
