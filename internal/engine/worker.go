package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline/internal/logging"
	"github.com/flowline-dev/flowline/internal/store"
	"github.com/flowline-dev/flowline/pkg/schema"
)

// WorkerConfig tunes one queue worker.
type WorkerConfig struct {
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BatchSize         int
	LeaseSeconds      int
	Partition         *schema.WorkflowClaimPartition // nil claims the whole job space
}

func (c *WorkerConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 60
	}
}

// Worker drains queued run jobs: claim under a lease, execute the run's
// retry loop against the job's definition snapshot, then settle the job
// with the fencing token. A job whose lease was lost mid-flight is left
// alone; the conditional settle is rejected and the new holder owns it.
type Worker struct {
	store     store.Store
	lifecycle *Lifecycle
	cfg       WorkerConfig
	logger    *slog.Logger

	claimed  atomic.Int64
	executed atomic.Int64
	failed   atomic.Int64
}

// NewWorker wires a queue worker.
func NewWorker(st store.Store, lifecycle *Lifecycle, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, lifecycle: lifecycle, cfg: cfg, logger: logger}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run polls for jobs until the context is cancelled. Heartbeats are sent
// on their own interval regardless of claim activity.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.WithWorkerID(ctx, w.cfg.WorkerID)
	w.logger.InfoContext(ctx, "queue worker started",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.Int("batch_size", w.cfg.BatchSize),
		slog.Int("lease_seconds", w.cfg.LeaseSeconds))

	w.heartbeat(ctx)
	heartbeats := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeats.Stop()

	for {
		claimed := w.poll(ctx)

		if claimed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-heartbeats.C:
				w.heartbeat(ctx)
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeats.C:
			w.heartbeat(ctx)
		default:
		}
	}
}

// poll claims one batch and executes it, returning the number claimed.
func (w *Worker) poll(ctx context.Context) int {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.WorkerID, w.cfg.BatchSize, w.cfg.LeaseSeconds, w.cfg.Partition)
	if err != nil {
		w.logger.ErrorContext(ctx, "job claim failed", slog.String("error", err.Error()))
		return 0
	}
	w.claimed.Add(int64(len(jobs)))

	for _, job := range jobs {
		w.processJob(ctx, job)
	}
	return len(jobs)
}

// processJob executes one claimed job to a terminal run state and settles
// the job row. Non-terminal outcomes (store errors mid-run) leave the job
// leased so lease expiry redelivers it.
func (w *Worker) processJob(ctx context.Context, job *schema.ClaimedWorkflowJob) {
	ctx = logging.WithRunID(ctx, job.RunID)
	ctx = logging.WithTenantID(ctx, job.TenantID)

	run, err := w.store.GetRun(ctx, job.TenantID, job.RunID)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound {
			w.failed.Add(1)
			w.settle(ctx, job, schema.RunStatusDeadLettered, "run not found: "+err.Error())
			return
		}
		// Transient store error: keep the lease, expiry redelivers.
		w.logger.ErrorContext(ctx, "job run lookup failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
		return
	}
	if run.Status.Terminal() {
		// Redelivered job for a run another holder already finished.
		w.settle(ctx, job, run.Status, run.DeadLetterReason)
		return
	}

	status, runErr := w.lifecycle.RunAttempts(ctx, &job.Definition, run)
	switch status {
	case schema.RunStatusSucceeded:
		w.executed.Add(1)
		w.settle(ctx, job, status, "")
	case schema.RunStatusDeadLettered:
		w.failed.Add(1)
		w.settle(ctx, job, status, run.DeadLetterReason)
	default:
		w.logger.ErrorContext(ctx, "job execution did not finish; leaving lease for redelivery",
			slog.String("job_id", job.JobID),
			slog.String("error", errString(runErr)))
	}
}

// settle completes or fails the job under its fencing token. A rejected
// lease means another worker holds the job now; log and move on.
func (w *Worker) settle(ctx context.Context, job *schema.ClaimedWorkflowJob, status schema.RunStatus, reason string) {
	var err error
	if status == schema.RunStatusSucceeded {
		err = w.store.CompleteJob(ctx, job.TenantID, job.JobID, w.cfg.WorkerID, job.LeaseToken)
	} else {
		err = w.store.FailJob(ctx, job.TenantID, job.JobID, w.cfg.WorkerID, job.LeaseToken, reason)
	}
	if err == nil {
		return
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeLeaseRejected {
		w.logger.WarnContext(ctx, "job settle rejected: lease no longer held",
			slog.String("job_id", job.JobID),
			slog.String("lease_token", job.LeaseToken))
		return
	}
	w.logger.ErrorContext(ctx, "job settle failed",
		slog.String("job_id", job.JobID),
		slog.String("error", err.Error()))
}

// heartbeat upserts liveness and throughput counters. Best effort.
func (w *Worker) heartbeat(ctx context.Context) {
	hb := &schema.WorkerHeartbeat{
		WorkerID: w.cfg.WorkerID,
		Claimed:  w.claimed.Load(),
		Executed: w.executed.Load(),
		Failed:   w.failed.Load(),
		SeenAt:   time.Now().UTC(),
	}
	if w.cfg.Partition != nil {
		hb.PartitionCount = w.cfg.Partition.PartitionCount()
		hb.PartitionIndex = w.cfg.Partition.PartitionIndex()
	}
	if err := w.store.UpsertWorkerHeartbeat(ctx, hb); err != nil {
		w.logger.WarnContext(ctx, "heartbeat failed", slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
