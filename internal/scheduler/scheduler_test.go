package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/testutil"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestSchedulerRunsJobs(t *testing.T) {
	s := New(testutil.TestLogger(), time.Second)
	ok := &countingJob{}
	failing := &countingJob{err: errors.New("boom")}
	require.NoError(t, s.Add("@every 1s", ok))
	require.NoError(t, s.Add("@every 1s", failing))

	s.Start()
	require.Eventually(t, func() bool {
		return ok.runs.Load() > 0 && failing.runs.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(testutil.TestLogger(), 0)
	err := s.Add("every tuesday", &countingJob{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counting")
}

func TestUsagePurgeJob(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	for _, day := range []time.Time{now.AddDate(0, 0, -5), now.AddDate(0, 0, -1), now} {
		key := model.UsageKey{Identifier: "u1", Kind: model.IdentifierUser, Resource: model.ResourceVideoAnalysis, Period: model.DayStart(day)}
		_, _, err := store.IncrementUsage(ctx, key, 3)
		require.NoError(t, err)
	}

	job := NewUsagePurgeJob(store, 48*time.Hour, testutil.TestLogger())
	job.now = func() time.Time { return now }
	assert.Equal(t, "usage_purge", job.Name())
	require.NoError(t, job.Run(ctx))

	old := model.UsageKey{Identifier: "u1", Kind: model.IdentifierUser, Resource: model.ResourceVideoAnalysis, Period: model.DayStart(now.AddDate(0, 0, -5))}
	n, err := store.GetUsage(ctx, old)
	require.NoError(t, err)
	assert.Zero(t, n)

	today := model.UsageKey{Identifier: "u1", Kind: model.IdentifierUser, Resource: model.ResourceVideoAnalysis, Period: model.DayStart(now)}
	n, err = store.GetUsage(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingPurger struct{}

func (failingPurger) PurgeUsage(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestUsagePurgeJobError(t *testing.T) {
	job := NewUsagePurgeJob(failingPurger{}, 0, testutil.TestLogger())
	assert.Equal(t, 48*time.Hour, job.Retention)
	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
