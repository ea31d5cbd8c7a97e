package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline-dev/flowline/pkg/schema"
)

type fakeTickDispatcher struct {
	mu    sync.Mutex
	ticks []string // tenant/key
}

func (f *fakeTickDispatcher) DispatchScheduleTick(_ context.Context, tenantID, scheduleKey string, _ time.Time) ([]*schema.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, tenantID+"/"+scheduleKey)
	return nil, nil
}

func (f *fakeTickDispatcher) fired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ticks...)
}

func TestAddScheduleValidation(t *testing.T) {
	s := NewScheduler(&fakeTickDispatcher{}, time.Minute, nil)

	err := s.AddSchedule(Schedule{ScheduleKey: "nightly", CronExpression: "0 2 * * *"})
	require.Error(t, err)

	err = s.AddSchedule(Schedule{TenantID: "acme", ScheduleKey: "bad", CronExpression: "not cron"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	require.NoError(t, s.AddSchedule(Schedule{
		TenantID: "acme", ScheduleKey: "nightly", CronExpression: "0 2 * * *",
	}))
}

func TestNextFiring(t *testing.T) {
	s := NewScheduler(&fakeTickDispatcher{}, time.Minute, nil)

	_, ok := s.NextFiring("acme", "nightly")
	assert.False(t, ok)

	require.NoError(t, s.AddSchedule(Schedule{
		TenantID: "acme", ScheduleKey: "nightly", CronExpression: "0 2 * * *",
	}))
	next, ok := s.NextFiring("acme", "nightly")
	require.True(t, ok)
	assert.True(t, next.After(time.Now().UTC()))
	assert.Equal(t, 2, next.Hour())

	s.RemoveSchedule("acme", "nightly")
	_, ok = s.NextFiring("acme", "nightly")
	assert.False(t, ok)
}

func TestTickFiresDueEntriesOnce(t *testing.T) {
	fake := &fakeTickDispatcher{}
	s := NewScheduler(fake, time.Minute, nil)

	require.NoError(t, s.AddSchedule(Schedule{
		TenantID: "acme", ScheduleKey: "every-minute", CronExpression: "* * * * *",
	}))

	// Force the entry due.
	s.entriesMu.Lock()
	s.entries["acme/every-minute"].nextAt = time.Now().UTC().Add(-time.Second)
	s.entriesMu.Unlock()

	s.tick(context.Background())
	assert.Equal(t, []string{"acme/every-minute"}, fake.fired())

	// The next occurrence is in the future now; an immediate second tick
	// fires nothing.
	s.tick(context.Background())
	assert.Len(t, fake.fired(), 1)

	next, ok := s.NextFiring("acme", "every-minute")
	require.True(t, ok)
	assert.True(t, next.After(time.Now().UTC().Add(-time.Second)))
}

func TestTickSkipsFutureEntries(t *testing.T) {
	fake := &fakeTickDispatcher{}
	s := NewScheduler(fake, time.Minute, nil)

	require.NoError(t, s.AddSchedule(Schedule{
		TenantID: "acme", ScheduleKey: "nightly", CronExpression: "0 2 * * *",
	}))
	s.tick(context.Background())
	assert.Empty(t, fake.fired())
}

func TestStartStop(t *testing.T) {
	fake := &fakeTickDispatcher{}
	s := NewScheduler(fake, 10*time.Millisecond, nil)

	require.NoError(t, s.AddSchedule(Schedule{
		TenantID: "acme", ScheduleKey: "every-minute", CronExpression: "* * * * *",
	}))
	s.entriesMu.Lock()
	s.entries["acme/every-minute"].nextAt = time.Now().UTC().Add(-time.Second)
	s.entriesMu.Unlock()

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background())) // double start

	require.Eventually(t, func() bool {
		return len(fake.fired()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop()) // idempotent
}
