package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/pkg/schema"
)

func newTestWorker(t *testing.T, st *mockStore, cfg WorkerConfig) *Worker {
	t.Helper()
	lc := newTestLifecycle(t, st, nil)
	return NewWorker(st, lc, cfg, slog.Default())
}

func enqueueRunJob(t *testing.T, st *mockStore, def *schema.WorkflowDefinition, run *schema.WorkflowRun) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, st.EnqueueRunJob(context.Background(), &store.QueuedJob{
		ID:             id,
		TenantID:       def.TenantID,
		TenantHash:     schema.TenantHash(def.TenantID),
		RunID:          run.ID,
		Definition:     *def,
		TriggerPayload: run.TriggerPayload,
		Status:         store.JobPending,
		CreatedAt:      time.Now().UTC(),
	}))
	return id
}

func TestWorkerPollCompletesJob(t *testing.T) {
	st := newMockStore()
	w := newTestWorker(t, st, WorkerConfig{WorkerID: "w-1"})
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "queued run"})
	run, err := lc.StartRun(ctx, def, nil)
	require.NoError(t, err)
	jobID := enqueueRunJob(t, st, def, run)

	claimed := w.poll(ctx)
	assert.Equal(t, 1, claimed)

	job := st.jobs[jobID]
	assert.Equal(t, store.JobCompleted, job.Status)
	assert.Equal(t, "w-1", job.WorkerID)

	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, stored.Status)
	assert.Equal(t, int64(1), w.executed.Load())
}

func TestWorkerPollFailsJobOnDeadLetter(t *testing.T) {
	st := newMockStore()
	w := newTestWorker(t, st, WorkerConfig{WorkerID: "w-1"})
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "{{trigger.missing}}"})
	def.MaxAttempts = 1
	run, err := lc.StartRun(ctx, def, nil)
	require.NoError(t, err)
	jobID := enqueueRunJob(t, st, def, run)

	w.poll(ctx)

	job := st.jobs[jobID]
	assert.Equal(t, store.JobFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)

	stored, err := st.GetRun(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusDeadLettered, stored.Status)
	assert.Equal(t, int64(1), w.failed.Load())
}

func TestWorkerDeadLettersJobForMissingRun(t *testing.T) {
	st := newMockStore()
	w := newTestWorker(t, st, WorkerConfig{WorkerID: "w-1"})
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "x"})
	orphan := &schema.WorkflowRun{ID: "gone", TenantID: "acme"}
	jobID := enqueueRunJob(t, st, def, orphan)

	w.poll(ctx)

	assert.Equal(t, store.JobFailed, st.jobs[jobID].Status)
	assert.Contains(t, st.jobs[jobID].ErrorMessage, "run not found")
}

func TestWorkerSettlesRedeliveredTerminalRun(t *testing.T) {
	st := newMockStore()
	w := newTestWorker(t, st, WorkerConfig{WorkerID: "w-2"})
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "x"})
	run, err := lc.StartRun(ctx, def, nil)
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, "acme", run.ID, schema.RunStatusSucceeded, 1, ""))

	jobID := enqueueRunJob(t, st, def, run)
	w.poll(ctx)

	// No re-execution: the job settles by the run's stored status.
	assert.Equal(t, store.JobCompleted, st.jobs[jobID].Status)
	attempts, err := st.ListRunAttempts(ctx, "acme", run.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestWorkerToleratesRejectedLease(t *testing.T) {
	st := newMockStore()
	w := newTestWorker(t, st, WorkerConfig{WorkerID: "w-1"})

	// A job this worker never claimed: the conditional settle is rejected
	// and must not bubble up.
	w.settle(context.Background(), &schema.ClaimedWorkflowJob{
		JobID:      "phantom",
		TenantID:   "acme",
		LeaseToken: uuid.NewString(),
	}, schema.RunStatusSucceeded, "")
}

func TestWorkerPartitionedClaim(t *testing.T) {
	st := newMockStore()
	lc := newTestLifecycle(t, st, nil)
	ctx := context.Background()

	def := testDef(schema.Step{Type: schema.StepLogMessage, Message: "x"})
	run, err := lc.StartRun(ctx, def, nil)
	require.NoError(t, err)
	jobID := enqueueRunJob(t, st, def, run)

	owned := int(schema.TenantHash("acme")) % 2
	other, err := schema.NewClaimPartition(2, 1-owned)
	require.NoError(t, err)
	mine, err := schema.NewClaimPartition(2, owned)
	require.NoError(t, err)

	wrong := newTestWorker(t, st, WorkerConfig{WorkerID: "w-wrong", Partition: &other})
	assert.Equal(t, 0, wrong.poll(ctx))
	assert.Equal(t, store.JobPending, st.jobs[jobID].Status)

	right := newTestWorker(t, st, WorkerConfig{WorkerID: "w-right", Partition: &mine})
	assert.Equal(t, 1, right.poll(ctx))
	assert.Equal(t, store.JobCompleted, st.jobs[jobID].Status)
}

func TestWorkerHeartbeat(t *testing.T) {
	st := newMockStore()
	part, err := schema.NewClaimPartition(4, 2)
	require.NoError(t, err)
	w := newTestWorker(t, st, WorkerConfig{WorkerID: "w-hb", Partition: &part})

	w.claimed.Add(3)
	w.executed.Add(2)
	w.failed.Add(1)
	w.heartbeat(context.Background())

	hb := st.heartbeats["w-hb"]
	require.NotNil(t, hb)
	assert.Equal(t, int64(3), hb.Claimed)
	assert.Equal(t, int64(2), hb.Executed)
	assert.Equal(t, int64(1), hb.Failed)
	assert.Equal(t, 4, hb.PartitionCount)
	assert.Equal(t, 2, hb.PartitionIndex)
	assert.False(t, hb.SeenAt.IsZero())
}

func TestWorkerConfigDefaults(t *testing.T) {
	cfg := WorkerConfig{}
	cfg.applyDefaults()
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Positive(t, cfg.PollInterval)
	assert.Positive(t, cfg.HeartbeatInterval)
	assert.Positive(t, cfg.BatchSize)
	assert.Positive(t, cfg.LeaseSeconds)
}
