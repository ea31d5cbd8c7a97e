package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// Job queue and lease management. All claim/complete/fail mutations are
// conditional updates keyed on the current lease so they stay correct
// across worker processes; a stale (worker_id, lease_token) pair can never
// mutate job state.

func (s *LibSQLStore) EnqueueRunJob(ctx context.Context, job *QueuedJob) error {
	doc, err := json.Marshal(job.Definition)
	if err != nil {
		return fmt.Errorf("marshal job definition: %w", err)
	}
	if job.TenantHash == 0 {
		job.TenantHash = schema.TenantHash(job.TenantID)
	}
	status := job.Status
	if status == "" {
		status = JobPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_jobs (id, tenant_id, tenant_hash, run_id, definition, trigger_payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, int64(job.TenantHash), job.RunID,
		string(doc), nullRaw(job.TriggerPayload), string(status), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ClaimJobs(ctx context.Context, workerID string, limit, leaseSeconds int, partition *schema.WorkflowClaimPartition) ([]*schema.ClaimedWorkflowJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	if leaseSeconds <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"lease_seconds must be positive, got %d", leaseSeconds)
	}

	now := time.Now().UTC()

	where := []string{"(status = ? OR (status = ? AND lease_expires_at <= ?))"}
	args := []any{string(JobPending), string(JobLeased), now}
	if partition != nil {
		where = append(where, "tenant_hash % ? = ?")
		args = append(args, partition.PartitionCount(), partition.PartitionIndex())
	}

	query := `SELECT id FROM workflow_jobs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expiry := now.Add(time.Duration(leaseSeconds) * time.Second)
	var claimed []*schema.ClaimedWorkflowJob
	for _, id := range candidates {
		token := uuid.New().String()

		// Conditional lease: only wins if the job is still claimable. A lost
		// race with another worker simply yields zero rows affected.
		res, err := s.db.ExecContext(ctx,
			`UPDATE workflow_jobs SET status = ?, worker_id = ?, lease_token = ?, lease_expires_at = ?
			 WHERE id = ? AND (status = ? OR (status = ? AND lease_expires_at <= ?))`,
			string(JobLeased), workerID, token, expiry,
			id, string(JobPending), string(JobLeased), now,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		job, err := s.claimedJob(ctx, id, token)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *LibSQLStore) claimedJob(ctx context.Context, jobID, leaseToken string) (*schema.ClaimedWorkflowJob, error) {
	job := &schema.ClaimedWorkflowJob{LeaseToken: leaseToken}
	var doc string
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, run_id, definition, trigger_payload FROM workflow_jobs WHERE id = ?`, jobID,
	).Scan(&job.JobID, &job.TenantID, &job.RunID, &doc, &payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &job.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal job definition: %w", err)
	}
	job.TriggerPayload = rawOrNil(payload)
	return job, nil
}

func (s *LibSQLStore) CompleteJob(ctx context.Context, tenantID, jobID, workerID, leaseToken string) error {
	return s.finishJob(ctx, tenantID, jobID, workerID, leaseToken, JobCompleted, "")
}

func (s *LibSQLStore) FailJob(ctx context.Context, tenantID, jobID, workerID, leaseToken, errorMessage string) error {
	return s.finishJob(ctx, tenantID, jobID, workerID, leaseToken, JobFailed, errorMessage)
}

// finishJob applies the fencing check: the caller must still hold a
// non-expired lease on the job. A superseded or expired lease yields
// LEASE_REJECTED and leaves the row untouched.
func (s *LibSQLStore) finishJob(ctx context.Context, tenantID, jobID, workerID, leaseToken string, status JobStatus, errorMessage string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_jobs SET status = ?, error_message = ?, completed_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = ?
		   AND worker_id = ? AND lease_token = ? AND lease_expires_at > ?`,
		string(status), nullStr(errorMessage), now,
		tenantID, jobID, string(JobLeased), workerID, leaseToken, now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeLeaseRejected,
			"worker %s no longer holds the lease on job %s", workerID, jobID).
			WithDetails(map[string]any{"job_id": jobID, "worker_id": workerID})
	}
	return nil
}

// --- Heartbeats ---

func (s *LibSQLStore) UpsertWorkerHeartbeat(ctx context.Context, hb *schema.WorkerHeartbeat) error {
	var pCount, pIndex any
	if hb.PartitionCount > 0 {
		pCount = hb.PartitionCount
		pIndex = hb.PartitionIndex
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_heartbeats (worker_id, claimed, executed, failed, partition_count, partition_index, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET
		   claimed=excluded.claimed, executed=excluded.executed, failed=excluded.failed,
		   partition_count=excluded.partition_count, partition_index=excluded.partition_index,
		   seen_at=excluded.seen_at`,
		hb.WorkerID, hb.Claimed, hb.Executed, hb.Failed, pCount, pIndex, timeOrNow(hb.SeenAt),
	)
	return err
}

// --- Stats ---

func (s *LibSQLStore) QueueStats(ctx context.Context, activeWindowSeconds int, partition *schema.WorkflowClaimPartition) (*schema.WorkflowQueueStats, error) {
	now := time.Now().UTC()
	stats := &schema.WorkflowQueueStats{}

	jobFilter := ""
	var jobArgs []any
	if partition != nil {
		jobFilter = " AND tenant_hash % ? = ?"
		jobArgs = []any{partition.PartitionCount(), partition.PartitionIndex()}
	}

	countJobs := func(dest *int, cond string, condArgs ...any) error {
		query := `SELECT COUNT(*) FROM workflow_jobs WHERE ` + cond + jobFilter
		args := append(append([]any{}, condArgs...), jobArgs...)
		return s.db.QueryRowContext(ctx, query, args...).Scan(dest)
	}

	if err := countJobs(&stats.Pending, "status = ?", string(JobPending)); err != nil {
		return nil, err
	}
	if err := countJobs(&stats.Leased, "status = ? AND lease_expires_at > ?", string(JobLeased), now); err != nil {
		return nil, err
	}
	if err := countJobs(&stats.Completed, "status = ?", string(JobCompleted)); err != nil {
		return nil, err
	}
	if err := countJobs(&stats.Failed, "status = ?", string(JobFailed)); err != nil {
		return nil, err
	}
	// Leased but overdue: eligible for reclaim by any worker.
	if err := countJobs(&stats.ExpiredLeases, "status = ? AND lease_expires_at <= ?", string(JobLeased), now); err != nil {
		return nil, err
	}

	cutoff := now.Add(-time.Duration(activeWindowSeconds) * time.Second)
	workerQuery := `SELECT COUNT(*) FROM worker_heartbeats WHERE seen_at > ?`
	workerArgs := []any{cutoff}
	if partition != nil {
		workerQuery += ` AND partition_count = ? AND partition_index = ?`
		workerArgs = append(workerArgs, partition.PartitionCount(), partition.PartitionIndex())
	}
	if err := s.db.QueryRowContext(ctx, workerQuery, workerArgs...).Scan(&stats.ActiveWorkers); err != nil {
		return nil, err
	}

	return stats, nil
}
