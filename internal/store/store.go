package store

import (
	"context"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// Store defines the persistence contract the engine runs against.
// All implementations must be safe for concurrent use; claim exclusivity
// and completion fencing are expressed as conditional updates inside the
// store, never as in-process locks.
type Store interface {
	// Workflow definitions
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, tenantID, logicalName string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	ListEnabledByTrigger(ctx context.Context, tenantID string, trigger schema.Trigger) ([]*schema.WorkflowDefinition, error)

	// Runs and attempts (attempts are append-only)
	CreateRun(ctx context.Context, run *schema.WorkflowRun) error
	GetRun(ctx context.Context, tenantID, runID string) (*schema.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)
	AppendRunAttempt(ctx context.Context, tenantID string, attempt *schema.WorkflowRunAttempt) error
	ListRunAttempts(ctx context.Context, tenantID, runID string) ([]*schema.WorkflowRunAttempt, error)
	CompleteRun(ctx context.Context, tenantID, runID string, status schema.RunStatus, attempts int, deadLetterReason string) error

	// Job queue and leases
	EnqueueRunJob(ctx context.Context, job *QueuedJob) error
	ClaimJobs(ctx context.Context, workerID string, limit, leaseSeconds int, partition *schema.WorkflowClaimPartition) ([]*schema.ClaimedWorkflowJob, error)
	CompleteJob(ctx context.Context, tenantID, jobID, workerID, leaseToken string) error
	FailJob(ctx context.Context, tenantID, jobID, workerID, leaseToken, errorMessage string) error
	UpsertWorkerHeartbeat(ctx context.Context, hb *schema.WorkerHeartbeat) error
	QueueStats(ctx context.Context, activeWindowSeconds int, partition *schema.WorkflowClaimPartition) (*schema.WorkflowQueueStats, error)

	// Secrets (values stored encrypted; see internal/secrets)
	StoreSecret(ctx context.Context, tenantID, key string, value []byte) error
	GetSecret(ctx context.Context, tenantID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, tenantID, key string) error
	ListSecrets(ctx context.Context, tenantID string) ([]string, error)

	// Audit log (append-only)
	AppendAuditEvent(ctx context.Context, event *schema.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]*schema.AuditEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
