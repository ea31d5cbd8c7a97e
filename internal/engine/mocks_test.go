package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/actions"
	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/pkg/schema"
)

// mockStore is a minimal in-memory Store for testing.
type mockStore struct {
	mu         sync.Mutex
	workflows  map[string]*schema.WorkflowDefinition // tenant/name
	runs       map[string]*schema.WorkflowRun
	attempts   map[string][]*schema.WorkflowRunAttempt
	jobs       map[string]*store.QueuedJob
	heartbeats map[string]*schema.WorkerHeartbeat
	audits     []*schema.AuditEvent
	secrets    map[string][]byte // tenant/key
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*schema.WorkflowDefinition),
		runs:       make(map[string]*schema.WorkflowRun),
		attempts:   make(map[string][]*schema.WorkflowRunAttempt),
		jobs:       make(map[string]*store.QueuedJob),
		heartbeats: make(map[string]*schema.WorkerHeartbeat),
		secrets:    make(map[string][]byte),
	}
}

func (m *mockStore) SaveWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[def.TenantID+"/"+def.LogicalName] = def
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, tenantID, logicalName string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.workflows[tenantID+"/"+logicalName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", logicalName)
	}
	return def, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, def := range m.workflows {
		if def.TenantID != filter.TenantID {
			continue
		}
		if filter.EnabledOnly && !def.IsEnabled {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

func (m *mockStore) ListEnabledByTrigger(_ context.Context, tenantID string, trigger schema.Trigger) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, def := range m.workflows {
		if def.TenantID == tenantID && def.IsEnabled && def.Trigger.Matches(trigger) {
			out = append(out, def)
		}
	}
	return out, nil
}

func (m *mockStore) CreateRun(_ context.Context, run *schema.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[run.ID] = &clone
	return nil
}

func (m *mockStore) GetRun(_ context.Context, tenantID, runID string) (*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	clone := *run
	return &clone, nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*schema.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowRun
	for _, run := range m.runs {
		if run.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		clone := *run
		out = append(out, &clone)
	}
	return out, nil
}

func (m *mockStore) AppendRunAttempt(_ context.Context, tenantID string, attempt *schema.WorkflowRunAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *attempt
	m.attempts[attempt.RunID] = append(m.attempts[attempt.RunID], &clone)
	return nil
}

func (m *mockStore) ListRunAttempts(_ context.Context, tenantID, runID string) ([]*schema.WorkflowRunAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[runID], nil
}

func (m *mockStore) CompleteRun(_ context.Context, tenantID, runID string, status schema.RunStatus, attempts int, deadLetterReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	now := time.Now().UTC()
	run.Status = status
	run.Attempts = attempts
	run.DeadLetterReason = deadLetterReason
	run.FinishedAt = &now
	return nil
}

func (m *mockStore) EnqueueRunJob(_ context.Context, job *store.QueuedJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.TenantHash == 0 {
		job.TenantHash = schema.TenantHash(job.TenantID)
	}
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

func (m *mockStore) ClaimJobs(_ context.Context, workerID string, limit, leaseSeconds int, partition *schema.WorkflowClaimPartition) ([]*schema.ClaimedWorkflowJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var claimed []*schema.ClaimedWorkflowJob
	for _, job := range m.jobs {
		if len(claimed) >= limit {
			break
		}
		claimable := job.Status == store.JobPending ||
			(job.Status == store.JobLeased && job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now))
		if !claimable {
			continue
		}
		if partition != nil && int(job.TenantHash)%partition.PartitionCount() != partition.PartitionIndex() {
			continue
		}
		expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
		job.Status = store.JobLeased
		job.WorkerID = workerID
		job.LeaseToken = uuid.NewString()
		job.LeaseExpiresAt = &expiry
		claimed = append(claimed, &schema.ClaimedWorkflowJob{
			JobID:          job.ID,
			TenantID:       job.TenantID,
			RunID:          job.RunID,
			Definition:     job.Definition,
			TriggerPayload: job.TriggerPayload,
			LeaseToken:     job.LeaseToken,
		})
	}
	return claimed, nil
}

func (m *mockStore) finishJob(tenantID, jobID, workerID, leaseToken string, status store.JobStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job, ok := m.jobs[jobID]
	if !ok || job.TenantID != tenantID || job.Status != store.JobLeased ||
		job.WorkerID != workerID || job.LeaseToken != leaseToken ||
		job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
		return schema.NewErrorf(schema.ErrCodeLeaseRejected,
			"lease not held for job %q", jobID)
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	job.CompletedAt = &now
	return nil
}

func (m *mockStore) CompleteJob(_ context.Context, tenantID, jobID, workerID, leaseToken string) error {
	return m.finishJob(tenantID, jobID, workerID, leaseToken, store.JobCompleted, "")
}

func (m *mockStore) FailJob(_ context.Context, tenantID, jobID, workerID, leaseToken, errorMessage string) error {
	return m.finishJob(tenantID, jobID, workerID, leaseToken, store.JobFailed, errorMessage)
}

func (m *mockStore) UpsertWorkerHeartbeat(_ context.Context, hb *schema.WorkerHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *hb
	m.heartbeats[hb.WorkerID] = &clone
	return nil
}

func (m *mockStore) QueueStats(_ context.Context, activeWindowSeconds int, partition *schema.WorkflowClaimPartition) (*schema.WorkflowQueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	stats := &schema.WorkflowQueueStats{}
	for _, job := range m.jobs {
		if partition != nil && int(job.TenantHash)%partition.PartitionCount() != partition.PartitionIndex() {
			continue
		}
		switch job.Status {
		case store.JobPending:
			stats.Pending++
		case store.JobLeased:
			stats.Leased++
			if job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now) {
				stats.ExpiredLeases++
			}
		case store.JobCompleted:
			stats.Completed++
		case store.JobFailed:
			stats.Failed++
		}
	}
	cutoff := now.Add(-time.Duration(activeWindowSeconds) * time.Second)
	for _, hb := range m.heartbeats {
		if hb.SeenAt.After(cutoff) {
			stats.ActiveWorkers++
		}
	}
	return stats, nil
}

func (m *mockStore) StoreSecret(_ context.Context, tenantID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[tenantID+"/"+key] = value
	return nil
}

func (m *mockStore) GetSecret(_ context.Context, tenantID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[tenantID+"/"+key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mockStore) DeleteSecret(_ context.Context, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, tenantID+"/"+key)
	return nil
}

func (m *mockStore) ListSecrets(_ context.Context, tenantID string) ([]string, error) {
	return nil, nil
}

func (m *mockStore) AppendAuditEvent(_ context.Context, event *schema.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *event
	m.audits = append(m.audits, &clone)
	return nil
}

func (m *mockStore) ListAuditEvents(_ context.Context, tenantID string, limit int) ([]*schema.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audits, nil
}

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Close() error                  { return nil }

func (m *mockStore) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, e := range m.audits {
		out = append(out, e.Action)
	}
	return out
}

// fakeRecords records create_record calls.
type fakeRecords struct {
	mu    sync.Mutex
	calls []fakeRecordCall
	err   error
}

type fakeRecordCall struct {
	actor  schema.Actor
	entity string
	data   map[string]any
}

func (f *fakeRecords) CreateRuntimeRecordUnchecked(_ context.Context, actor schema.Actor, entity string, data map[string]any) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, fakeRecordCall{actor: actor, entity: entity, data: data})
	return &Record{ID: "rec-1", Entity: entity, Data: data}, nil
}

// fakeDispatcher records outbound dispatches.
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatches []actions.Dispatch
	err        error
	failFirst  int // fail this many leading dispatches, then succeed
	response   json.RawMessage
}

func (f *fakeDispatcher) Dispatch(_ context.Context, d actions.Dispatch) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches = append(f.dispatches, d)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.dispatches) <= f.failFirst {
		return nil, schema.NewError(schema.ErrCodeExecution, "upstream unavailable")
	}
	if f.response != nil {
		return f.response, nil
	}
	return json.RawMessage(`{"status_code":200}`), nil
}

// fakeVault returns canned secret values.
type fakeVault struct {
	values map[string]string // tenant/key
}

func (f *fakeVault) Resolve(_ context.Context, tenantID, key string) ([]byte, error) {
	v, ok := f.values[tenantID+"/"+key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(v), nil
}

func (f *fakeVault) Store(context.Context, string, string, []byte) error { return nil }
func (f *fakeVault) Delete(context.Context, string, string) error        { return nil }
func (f *fakeVault) List(context.Context, string) ([]string, error)      { return nil, nil }

// denyAll rejects every non-system actor.
type denyAll struct{}

func (denyAll) Can(_ context.Context, actor schema.Actor, permission string) error {
	return schema.NewErrorf(schema.ErrCodePermissionDenied,
		"actor %q lacks permission %q", actor.ID, permission)
}

// allowAll grants everything.
type allowAll struct{}

func (allowAll) Can(context.Context, schema.Actor, string) error { return nil }
