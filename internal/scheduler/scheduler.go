package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// TickDispatcher is the interface the scheduler uses to fire schedule
// ticks. Satisfied by the engine's trigger dispatcher (avoids import cycle).
type TickDispatcher interface {
	DispatchScheduleTick(ctx context.Context, tenantID, scheduleKey string, tickAt time.Time) ([]*schema.WorkflowRun, error)
}

// Schedule binds a cron expression to a tenant's schedule key. Every firing
// dispatches one schedule_tick trigger for that key; which workflows react
// is resolved at dispatch time against enabled definitions.
type Schedule struct {
	TenantID       string `json:"tenant_id"`
	ScheduleKey    string `json:"schedule_key"`
	CronExpression string `json:"cron_expression"`
}

type entry struct {
	Schedule
	cronSchedule cron.Schedule
	nextAt       time.Time
}

// Scheduler fires schedule_tick triggers on cron schedules.
type Scheduler struct {
	dispatcher TickDispatcher
	parser     cron.Parser
	interval   time.Duration
	logger     *slog.Logger
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	entriesMu sync.Mutex
	entries   map[string]*entry // keyed tenant_id/schedule_key

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule keys currently dispatching (dedup)
}

// NewScheduler creates a Scheduler polling at the given interval
// (default 60s, matching cron's minute granularity).
func NewScheduler(dispatcher TickDispatcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		dispatcher: dispatcher,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:   interval,
		logger:     logger,
		entries:    make(map[string]*entry),
		inflight:   make(map[string]struct{}),
	}
}

// AddSchedule registers a schedule. The first firing is the next cron
// occurrence after registration; no catch-up for past occurrences.
func (s *Scheduler) AddSchedule(sched Schedule) error {
	if sched.TenantID == "" || sched.ScheduleKey == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"schedule requires tenant_id and schedule_key")
	}
	cronSchedule, err := s.parser.Parse(sched.CronExpression)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", sched.CronExpression, err.Error()).WithCause(err)
	}

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	s.entries[sched.TenantID+"/"+sched.ScheduleKey] = &entry{
		Schedule:     sched,
		cronSchedule: cronSchedule,
		nextAt:       cronSchedule.Next(time.Now().UTC()),
	}
	return nil
}

// RemoveSchedule drops a schedule. In-flight dispatches finish normally.
func (s *Scheduler) RemoveSchedule(tenantID, scheduleKey string) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	delete(s.entries, tenantID+"/"+scheduleKey)
}

// NextFiring returns when a schedule will next fire, or false if unknown.
func (s *Scheduler) NextFiring(tenantID, scheduleKey string) (time.Time, bool) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	e, ok := s.entries[tenantID+"/"+scheduleKey]
	if !ok {
		return time.Time{}, false
	}
	return e.nextAt, true
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next occurrence has passed and advances
// its next firing time. A firing missed across several intervals dispatches
// once, not once per missed occurrence.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.entriesMu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextAt.After(now) {
			due = append(due, e)
			e.nextAt = e.cronSchedule.Next(now)
		}
	}
	s.entriesMu.Unlock()

	for _, e := range due {
		key := e.TenantID + "/" + e.ScheduleKey
		if !s.tryAcquire(key) {
			continue // previous firing still dispatching
		}
		if err := s.fire(ctx, e, now); err != nil {
			s.logger.Error("schedule tick dispatch failed",
				slog.String("tenant_id", e.TenantID),
				slog.String("schedule_key", e.ScheduleKey),
				slog.String("error", err.Error()),
			)
		}
		s.release(key)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) error {
	runs, err := s.dispatcher.DispatchScheduleTick(ctx, e.TenantID, e.ScheduleKey, now)
	if err != nil {
		return err
	}
	s.logger.Info("schedule tick dispatched",
		slog.String("tenant_id", e.TenantID),
		slog.String("schedule_key", e.ScheduleKey),
		slog.Int("runs", len(runs)),
	)
	return nil
}

// tryAcquire returns true and marks the key in-flight if it is not already.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
