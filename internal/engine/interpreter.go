package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/actions"
	"github.com/flowline-dev/flowline/internal/expressions"
	"github.com/flowline-dev/flowline/internal/secrets"
	"github.com/flowline-dev/flowline/pkg/schema"
)

// SecretRefPrefix marks a header value as a vault reference. The secret is
// resolved at execution time and never appears in traces or definitions.
const SecretRefPrefix = "secret:"

// Interpreter executes a workflow's step tree against one trigger payload.
// It owns no persistence: callers collect the returned traces into run
// attempts. Execution is depth-first and short-circuits on the first
// failing step; traces for already-executed steps are always returned.
type Interpreter struct {
	resolver   *expressions.Resolver
	engines    expressions.Engines
	records    RecordService
	dispatcher actions.Dispatcher
	vault      secrets.Vault
	logger     *slog.Logger
}

// NewInterpreter wires an Interpreter. records, dispatcher and vault may be
// nil when the corresponding step features are not in use; executing such a
// step then fails with an execution error instead of panicking.
func NewInterpreter(resolver *expressions.Resolver, engines expressions.Engines, records RecordService, dispatcher actions.Dispatcher, vault secrets.Vault, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		resolver:   resolver,
		engines:    engines,
		records:    records,
		dispatcher: dispatcher,
		vault:      vault,
		logger:     logger,
	}
}

// frame is one level of the depth-first walk: a step list, the path prefix
// that addresses it, and the next index to execute.
type frame struct {
	steps  []schema.Step
	prefix schema.StepPath
	next   int
}

// ExecuteSteps runs the definition's step tree for one attempt. A legacy
// single-action definition executes as a one-element list at path "0".
// On failure the returned traces include the failed step's trace.
func (in *Interpreter) ExecuteSteps(ctx context.Context, def *schema.WorkflowDefinition, run *schema.WorkflowRun, attemptNumber int) ([]schema.StepTrace, error) {
	steps := def.Steps
	if len(steps) == 0 && def.Action != nil {
		steps = []schema.Step{*def.Action}
	}
	if len(steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps to execute")
	}

	scope, err := buildScope(def, run, attemptNumber)
	if err != nil {
		return nil, err
	}

	var traces []schema.StepTrace
	stack := []*frame{{steps: steps}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.steps) {
			stack = stack[:len(stack)-1]
			continue
		}

		step := &top.steps[top.next]
		path := top.prefix.Child(top.next)
		top.next++

		if step.Type == schema.StepCondition {
			trace, branch, err := in.executeCondition(ctx, step, path, scope, run)
			traces = append(traces, *trace)
			if err != nil {
				return traces, err
			}
			if len(branch.steps) > 0 {
				stack = append(stack, &frame{steps: branch.steps, prefix: branch.prefix})
			}
			continue
		}

		trace := in.executeLeaf(ctx, step, path, scope, run, attemptNumber)
		traces = append(traces, *trace)
		if trace.Status == schema.StepFailed {
			return traces, schema.NewErrorf(schema.ErrCodeExecution,
				"step %s failed: %s", path, trace.ErrorMessage).WithStepPath(path.String())
		}
	}

	return traces, nil
}

// ResolveStep addresses one step of the definition and builds the attempt
// scope, normalizing a legacy single-action definition to path "0". A
// failure here means nothing executed: callers must surface it without
// recording an attempt.
func (in *Interpreter) ResolveStep(def *schema.WorkflowDefinition, run *schema.WorkflowRun, attemptNumber int, path schema.StepPath) (*schema.Step, *expressions.Scope, error) {
	steps := def.Steps
	if len(steps) == 0 && def.Action != nil {
		steps = []schema.Step{*def.Action}
	}

	step, err := schema.StepByPath(steps, path)
	if err != nil {
		return nil, nil, err
	}

	scope, err := buildScope(def, run, attemptNumber)
	if err != nil {
		return nil, nil, err
	}
	return step, scope, nil
}

// ExecuteStep executes exactly one already-resolved step, used by
// single-step retry. Condition steps re-evaluate their predicate but do
// not descend into branches.
func (in *Interpreter) ExecuteStep(ctx context.Context, step *schema.Step, path schema.StepPath, scope *expressions.Scope, run *schema.WorkflowRun, attemptNumber int) (*schema.StepTrace, error) {
	if step.Type == schema.StepCondition {
		trace, _, err := in.executeCondition(ctx, step, path, scope, run)
		return trace, err
	}

	trace := in.executeLeaf(ctx, step, path, scope, run, attemptNumber)
	if trace.Status == schema.StepFailed {
		return trace, schema.NewErrorf(schema.ErrCodeExecution,
			"step %s failed: %s", path, trace.ErrorMessage).WithStepPath(path.String())
	}
	return trace, nil
}

// branchList is the branch a condition selected, addressed by its prefix.
type branchList struct {
	steps  []schema.Step
	prefix schema.StepPath
}

func (in *Interpreter) executeCondition(ctx context.Context, step *schema.Step, path schema.StepPath, scope *expressions.Scope, run *schema.WorkflowRun) (*schema.StepTrace, branchList, error) {
	started := time.Now()
	trace := &schema.StepTrace{
		StepPath:     path.String(),
		StepType:     step.Type,
		InputPayload: run.TriggerPayload,
	}

	passes, summary, err := in.evalCondition(ctx, step, scope)
	trace.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		trace.Status = schema.StepFailed
		trace.ErrorMessage = err.Error()
		return trace, branchList{}, schema.AsFlowError(err).WithStepPath(path.String())
	}

	branch := schema.BranchElse
	selected := branchList{steps: step.Else, prefix: path.Into(schema.BranchElse)}
	if passes {
		branch = schema.BranchThen
		selected = branchList{steps: step.Then, prefix: path.Into(schema.BranchThen)}
	}

	if summary == nil {
		summary = map[string]any{}
	}
	summary["result"] = passes
	summary["branch"] = branch
	out, _ := json.Marshal(summary)

	trace.Status = schema.StepSucceeded
	trace.OutputPayload = out
	return trace, selected, nil
}

// executeLeaf runs one effectful step. The trace always carries the raw
// trigger payload as input and the resolved effect payload as output.
func (in *Interpreter) executeLeaf(ctx context.Context, step *schema.Step, path schema.StepPath, scope *expressions.Scope, run *schema.WorkflowRun, attemptNumber int) *schema.StepTrace {
	started := time.Now()
	trace := &schema.StepTrace{
		StepPath:     path.String(),
		StepType:     step.Type,
		InputPayload: run.TriggerPayload,
	}

	output, err := in.runLeaf(ctx, step, path, scope, run, attemptNumber)
	trace.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		trace.Status = schema.StepFailed
		trace.ErrorMessage = err.Error()
		return trace
	}

	trace.Status = schema.StepSucceeded
	trace.OutputPayload = output
	return trace
}

func (in *Interpreter) runLeaf(ctx context.Context, step *schema.Step, path schema.StepPath, scope *expressions.Scope, run *schema.WorkflowRun, attemptNumber int) (json.RawMessage, error) {
	switch step.Type {
	case schema.StepLogMessage:
		rendered, err := in.resolver.ResolveString(ctx, step.Message, scope)
		if err != nil {
			return nil, err
		}
		message := fmt.Sprintf("%v", rendered)
		in.logger.InfoContext(ctx, "workflow log step",
			slog.String("run_id", run.ID),
			slog.String("workflow", run.WorkflowName),
			slog.String("step_path", path.String()),
			slog.String("message", message))
		return json.Marshal(map[string]any{"message": message})

	case schema.StepCreateRecord:
		if in.records == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "record service not configured")
		}
		resolved, err := in.resolver.ResolveJSON(ctx, step.Data, scope)
		if err != nil {
			return nil, err
		}
		data := map[string]any{}
		if len(resolved) > 0 {
			if err := json.Unmarshal(resolved, &data); err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation,
					"create_record data must be a JSON object").WithCause(err)
			}
		}
		record, err := in.records.CreateRuntimeRecordUnchecked(ctx, schema.SystemActor(run.TenantID), step.Entity, data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(record)

	case schema.StepHTTPRequest:
		if in.dispatcher == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "dispatcher not configured")
		}
		resolvedURL, err := in.resolver.ResolveString(ctx, step.URL, scope)
		if err != nil {
			return nil, err
		}
		urlStr, ok := resolvedURL.(string)
		if !ok {
			urlStr = fmt.Sprintf("%v", resolvedURL)
		}

		headers := make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			if ref, ok := strings.CutPrefix(v, SecretRefPrefix); ok {
				if in.vault == nil {
					return nil, schema.NewErrorf(schema.ErrCodeVault,
						"header %q references a secret but no vault is configured", k)
				}
				value, err := in.vault.Resolve(ctx, run.TenantID, strings.TrimSpace(ref))
				if err != nil {
					return nil, err
				}
				headers[k] = string(value)
				continue
			}
			resolved, err := in.resolver.ResolveString(ctx, v, scope)
			if err != nil {
				return nil, err
			}
			headers[k] = fmt.Sprintf("%v", resolved)
		}

		body, err := in.resolver.ResolveJSON(ctx, step.Body, scope)
		if err != nil {
			return nil, err
		}

		return in.dispatcher.Dispatch(ctx, actions.Dispatch{
			IdempotencyKey: DispatchIdempotencyKey(run.ID, attemptNumber, path.String()),
			RunID:          run.ID,
			StepPath:       path.String(),
			Method:         step.Method,
			URL:            urlStr,
			Headers:        headers,
			Body:           body,
		})

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type)
	}
}

// DispatchIdempotencyKey derives a stable key for an outbound dispatch so
// that a crash-and-replay of the same attempt repeats the same key.
func DispatchIdempotencyKey(runID string, attemptNumber int, stepPath string) string {
	name := fmt.Sprintf("flowline:%s:%d:%s", runID, attemptNumber, stepPath)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// buildScope assembles the template resolution scope for one attempt.
func buildScope(def *schema.WorkflowDefinition, run *schema.WorkflowRun, attemptNumber int) (*expressions.Scope, error) {
	trigger := map[string]any{}
	if len(run.TriggerPayload) > 0 {
		if err := json.Unmarshal(run.TriggerPayload, &trigger); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"trigger payload must be a JSON object").WithCause(err)
		}
	}
	return &expressions.Scope{
		Trigger: trigger,
		Run: map[string]any{
			"id":      run.ID,
			"attempt": float64(attemptNumber),
		},
		Workflow: map[string]any{
			"logical_name": def.LogicalName,
			"display_name": def.DisplayName,
			"tenant_id":    def.TenantID,
		},
	}, nil
}
