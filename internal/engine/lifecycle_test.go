package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/pkg/schema"
)

func newTestLifecycle(t *testing.T, st *mockStore, authz Authorizer) *Lifecycle {
	t.Helper()
	in := newTestInterpreter(t, &fakeRecords{}, &fakeDispatcher{}, nil)
	return NewLifecycle(st, in, authz, RetryConfig{}, slog.Default())
}

func TestRunAttemptsSucceedsFirstTry(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "ok"})
	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, run.Status)

	status, err := lc.RunAttempts(ctx, def, run)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, status)

	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotNil(t, stored.FinishedAt)

	attempts, err := st.ListRunAttempts(ctx, "acme", run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, schema.AttemptSucceeded, attempts[0].Status)
	require.Len(t, attempts[0].Traces, 1)

	assert.Contains(t, st.auditActions(), schema.AuditRunCompleted)
}

func TestRunAttemptsDeadLettersAfterMaxAttempts(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	// The missing token makes every attempt fail deterministically.
	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "{{trigger.missing}}"})
	def.MaxAttempts = 3

	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)

	status, runErr := lc.RunAttempts(ctx, def, run)
	require.Error(t, runErr)
	assert.Equal(t, schema.RunStatusDeadLettered, status)

	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusDeadLettered, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.NotEmpty(t, stored.DeadLetterReason)

	// One attempt row per pass, numbered 1..max.
	attempts, err := st.ListRunAttempts(ctx, "acme", run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, attempt := range attempts {
		assert.Equal(t, i+1, attempt.AttemptNumber)
		assert.Equal(t, schema.AttemptFailed, attempt.Status)
		assert.NotEmpty(t, attempt.ErrorMessage)
	}
}

func TestRunAttemptsSucceedsAfterFailedAttempt(t *testing.T) {
	st := newMockStore()
	dispatcher := &fakeDispatcher{failFirst: 1}
	in := newTestInterpreter(t, &fakeRecords{}, dispatcher, nil)
	lc := NewLifecycle(st, in, nil, RetryConfig{}, slog.Default())
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepHTTPRequest, Method: "POST", URL: "https://api.example.com/hook"})
	def.MaxAttempts = 3

	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)

	status, err := lc.RunAttempts(ctx, def, run)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, status)

	// The retry loop stops at the first passing attempt, not max_attempts.
	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Empty(t, stored.DeadLetterReason)

	attempts, err := st.ListRunAttempts(ctx, "acme", run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, schema.AttemptFailed, attempts[0].Status)
	assert.NotEmpty(t, attempts[0].ErrorMessage)
	assert.Equal(t, schema.AttemptSucceeded, attempts[1].Status)
	assert.Empty(t, attempts[1].ErrorMessage)
}

func TestRunAttemptsDefaultsMaxAttempts(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "{{trigger.missing}}"})
	def.MaxAttempts = 0

	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, _ = lc.RunAttempts(ctx, def, run)

	attempts, err := st.ListRunAttempts(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, defaultMaxAttempts)
}

func TestExecuteWorkflow(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, allowAll{})
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "hi {{trigger.triggered_by}}"})
	require.NoError(t, st.SaveWorkflow(ctx, def))

	actor := schema.Actor{ID: "user-7", TenantID: "acme"}
	run, err := lc.ExecuteWorkflow(ctx, actor, "acme", "notify", json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, run.Status)

	// The initiating actor lands in the trigger payload.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(run.TriggerPayload, &payload))
	assert.Equal(t, "user-7", payload["triggered_by"])
	assert.Equal(t, "v", payload["k"])
}

func TestExecuteWorkflowErrors(t *testing.T) {
	st := newMockStore()
	ctx := context.Background()
	actor := schema.Actor{ID: "user-7", TenantID: "acme"}

	// Unknown workflow.
	lc := newTestLifecycle(t, st, allowAll{})
	_, err := lc.ExecuteWorkflow(ctx, actor, "acme", "ghost", nil)
	assertFlowCode(t, err, schema.ErrCodeNotFound)

	// Disabled workflow.
	disabled := testDef(schema.Step{Type: schema.StepLogMessage, Message: "x"})
	disabled.IsEnabled = false
	require.NoError(t, st.SaveWorkflow(ctx, disabled))
	_, err = lc.ExecuteWorkflow(ctx, actor, "acme", "notify", nil)
	assertFlowCode(t, err, schema.ErrCodeConflict)

	// Denied actor.
	denied := newTestLifecycle(t, st, denyAll{})
	_, err = denied.ExecuteWorkflow(ctx, actor, "acme", "notify", nil)
	assertFlowCode(t, err, schema.ErrCodePermissionDenied)

	// System actors bypass authorization.
	enabled := testDef(schema.Step{Type: schema.StepLogMessage, Message: "x"})
	require.NoError(t, st.SaveWorkflow(ctx, enabled))
	_, err = denied.ExecuteWorkflow(ctx, schema.SystemActor("acme"), "acme", "notify", nil)
	require.NoError(t, err)
}

func TestExecuteWorkflowDeadLetterIsNotAnError(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, allowAll{})
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "{{trigger.missing}}"})
	def.MaxAttempts = 1
	require.NoError(t, st.SaveWorkflow(ctx, def))

	run, err := lc.ExecuteWorkflow(ctx, schema.Actor{ID: "u", TenantID: "acme"}, "acme", "notify", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusDeadLettered, run.Status)
}

func TestRetryRunStep(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, allowAll{})
	ctx := context.Background()

	def := testDef(
		schema.Step{Type: schema.StepLogMessage, Message: "first"},
		schema.Step{Type: schema.StepLogMessage, Message: "{{trigger.maybe}}"},
	)
	def.MaxAttempts = 1
	require.NoError(t, st.SaveWorkflow(ctx, def))

	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, _ = lc.RunAttempts(ctx, def, run)

	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusDeadLettered, stored.Status)

	actor := schema.Actor{ID: "op-1", TenantID: "acme"}

	// Retrying the working step flips the run to succeeded and appends a
	// fresh attempt.
	attempt, err := lc.RetryRunStep(ctx, actor, "acme", run.ID, "0")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt.AttemptNumber)
	assert.Equal(t, schema.AttemptSucceeded, attempt.Status)
	require.Len(t, attempt.Traces, 1)

	stored, err = st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	assert.Contains(t, st.auditActions(), schema.AuditStepRetried)
}

func TestRetryRunStepFailureStaysDeadLettered(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, allowAll{})
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "{{trigger.missing}}"})
	def.MaxAttempts = 1
	require.NoError(t, st.SaveWorkflow(ctx, def))

	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, _ = lc.RunAttempts(ctx, def, run)

	attempt, err := lc.RetryRunStep(ctx, schema.Actor{ID: "op", TenantID: "acme"}, "acme", run.ID, "0")
	require.Error(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, schema.AttemptFailed, attempt.Status)

	stored, getErr := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, schema.RunStatusDeadLettered, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestRetryRunStepBadPathLeavesRunUntouched(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, allowAll{})
	ctx := context.Background()
	actor := schema.Actor{ID: "op", TenantID: "acme"}

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "ok"})
	require.NoError(t, st.SaveWorkflow(ctx, def))
	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)
	status, err := lc.RunAttempts(ctx, def, run)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSucceeded, status)

	// Out-of-range index.
	_, err = lc.RetryRunStep(ctx, actor, "acme", run.ID, "5")
	assertFlowCode(t, err, schema.ErrCodeValidation)

	// Branch segment on a non-condition step.
	_, err = lc.RetryRunStep(ctx, actor, "acme", run.ID, "0.then.0")
	assertFlowCode(t, err, schema.ErrCodeValidation)

	// Neither typo re-finalized the run or added an attempt row.
	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	attempts, err := st.ListRunAttempts(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestRetryRunStepGuards(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, allowAll{})
	ctx := context.Background()
	actor := schema.Actor{ID: "op", TenantID: "acme"}

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "x"})
	require.NoError(t, st.SaveWorkflow(ctx, def))
	run, err := lc.StartRun(ctx, def, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Still running: refuse the retry.
	_, err = lc.RetryRunStep(ctx, actor, "acme", run.ID, "0")
	assertFlowCode(t, err, schema.ErrCodeConflict)

	// Bad path.
	_, err = lc.RetryRunStep(ctx, actor, "acme", run.ID, "not-a-path")
	assertFlowCode(t, err, schema.ErrCodeValidation)

	// Unknown run.
	_, err = lc.RetryRunStep(ctx, actor, "acme", "nope", "0")
	assertFlowCode(t, err, schema.ErrCodeNotFound)
}

func assertFlowCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, code, fe.Code)
}
