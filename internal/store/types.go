package store

import (
	"encoding/json"
	"time"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// JobStatus is the queue-side state of a run job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// QueuedJob is the persisted job row. Definition is the workflow snapshot
// taken at dispatch time; TenantHash is precomputed so partitioned claiming
// is a pure SQL predicate.
type QueuedJob struct {
	ID             string
	TenantID       string
	TenantHash     uint32
	RunID          string
	Definition     schema.WorkflowDefinition
	TriggerPayload json.RawMessage
	Status         JobStatus
	WorkerID       string
	LeaseToken     string
	LeaseExpiresAt *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// WorkflowFilter narrows ListWorkflows results.
type WorkflowFilter struct {
	TenantID    string
	EnabledOnly bool
	Limit       int
	Offset      int
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	TenantID     string
	WorkflowName string
	Status       *schema.RunStatus
	Limit        int
	Offset       int
}
