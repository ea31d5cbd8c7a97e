package schema

import (
	"encoding/json"
	"hash/fnv"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
// Running → Succeeded and Running → DeadLettered are the only transitions.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusDeadLettered RunStatus = "dead_lettered"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusDeadLettered
}

// AttemptStatus is the outcome of one interpreter pass.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// StepStatus is the outcome of one step within an attempt.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// WorkflowRun is one execution instance of a workflow against one trigger
// payload. TriggerPayload is immutable after creation; Attempts counts the
// attempts actually executed and, once finalized, always equals the number
// of persisted WorkflowRunAttempt rows.
type WorkflowRun struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	WorkflowName     string          `json:"workflow_logical_name"`
	TriggerType      TriggerType     `json:"trigger_type"`
	TriggerEntity    string          `json:"trigger_entity,omitempty"`
	TriggerPayload   json.RawMessage `json:"trigger_payload"`
	Status           RunStatus       `json:"status"`
	Attempts         int             `json:"attempts"`
	DeadLetterReason string          `json:"dead_letter_reason,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// StepTrace records the execution of a single step within an attempt.
// InputPayload is the raw trigger payload (observability), OutputPayload
// the template-resolved effect payload.
type StepTrace struct {
	StepPath      string          `json:"step_path"`
	StepType      StepType        `json:"step_type"`
	Status        StepStatus      `json:"status"`
	InputPayload  json.RawMessage `json:"input_payload,omitempty"`
	OutputPayload json.RawMessage `json:"output_payload,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
}

// WorkflowRunAttempt is one full interpreter pass within a run's retry
// loop. Append-only; never mutated.
type WorkflowRunAttempt struct {
	RunID         string        `json:"run_id"`
	AttemptNumber int           `json:"attempt_number"` // 1-based
	Status        AttemptStatus `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ExecutedAt    time.Time     `json:"executed_at"`
	Traces        []StepTrace   `json:"traces,omitempty"`
}

// ClaimedWorkflowJob is a queued run handed to a worker under a lease.
// Definition is the snapshot taken at dispatch time, so execution is
// immune to concurrent definition edits. LeaseToken is the fencing value
// that must accompany completion or failure calls.
type ClaimedWorkflowJob struct {
	JobID          string             `json:"job_id"`
	TenantID       string             `json:"tenant_id"`
	RunID          string             `json:"run_id"`
	Definition     WorkflowDefinition `json:"definition"`
	TriggerPayload json.RawMessage    `json:"trigger_payload"`
	LeaseToken     string             `json:"lease_token"`
}

// WorkflowClaimPartition selects a deterministic subset of the job space
// for one worker pool: jobs whose tenant hashes into index mod count.
type WorkflowClaimPartition struct {
	count int
	index int
}

// NewClaimPartition validates and builds a partition selector.
// count must be > 0 and index must be < count.
func NewClaimPartition(count, index int) (WorkflowClaimPartition, error) {
	if count <= 0 {
		return WorkflowClaimPartition{}, NewErrorf(ErrCodeValidation,
			"partition count must be positive, got %d", count)
	}
	if index < 0 || index >= count {
		return WorkflowClaimPartition{}, NewErrorf(ErrCodeValidation,
			"partition index %d out of range [0, %d)", index, count)
	}
	return WorkflowClaimPartition{count: count, index: index}, nil
}

// PartitionCount returns the total number of partitions.
func (p WorkflowClaimPartition) PartitionCount() int { return p.count }

// PartitionIndex returns this partition's index.
func (p WorkflowClaimPartition) PartitionIndex() int { return p.index }

// Contains reports whether a tenant falls into this partition.
func (p WorkflowClaimPartition) Contains(tenantID string) bool {
	if p.count <= 0 {
		return true
	}
	return int(TenantHash(tenantID))%p.count == p.index
}

// TenantHash is the FNV-32a hash used for partitioned claiming. It is
// precomputed on job rows at enqueue so the partition filter is a pure
// store-side predicate.
func TenantHash(tenantID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return h.Sum32()
}

// WorkflowQueueStats is an operational read-model over the job table and
// worker heartbeats. Never authoritative.
type WorkflowQueueStats struct {
	Pending       int `json:"pending"`
	Leased        int `json:"leased"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	ExpiredLeases int `json:"expired_leases"`
	ActiveWorkers int `json:"active_workers"`
}

// WorkerHeartbeat is best-effort liveness and throughput telemetry for one
// queue worker. Not used for correctness.
type WorkerHeartbeat struct {
	WorkerID       string    `json:"worker_id"`
	Claimed        int64     `json:"claimed"`
	Executed       int64     `json:"executed"`
	Failed         int64     `json:"failed"`
	PartitionCount int       `json:"partition_count,omitempty"`
	PartitionIndex int       `json:"partition_index,omitempty"`
	SeenAt         time.Time `json:"seen_at"`
}
