package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capstone-E1/aquasmart_edge/internal/models"
	"github.com/Capstone-E1/aquasmart_edge/internal/store"
)

func TestScheduler_RunsJobsPeriodically(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	var runs atomic.Int32
	s.Add(Job{
		Name:       "tick",
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.False(t, s.IsRunning())
	executions := s.Executions()
	require.Len(t, executions, 1)
	assert.Equal(t, "completed", executions[0].Status)
}

func TestScheduler_TriggerAndFailures(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	s.Add(Job{
		Name:     "broken",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			return errors.New("boom")
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	assert.ErrorIs(t, s.Trigger("missing"), ErrUnknownJob)
	require.NoError(t, s.Trigger("broken"))

	require.Eventually(t, func() bool {
		ex := s.Executions()
		return len(ex) == 1 && ex[0].Status == "failed"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "manual", s.Executions()[0].Trigger)
}

func TestScheduler_TriggerRejectsOverlap(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	s.Add(Job{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.Trigger("slow"))
	<-started
	assert.ErrorIs(t, s.Trigger("slow"), ErrJobRunning)
	close(release)
}

func TestRetentionJob_PrunesOldReadings(t *testing.T) {
	ts := store.NewStore(10)
	ctx := context.Background()
	now := time.Now()

	old := models.Reading{Channel: models.ChannelPH, Value: 7, Quality: models.QualityValid, Timestamp: now.Add(-48 * time.Hour)}
	fresh := models.Reading{Channel: models.ChannelPH, Value: 7, Quality: models.QualityValid, Timestamp: now.Add(-time.Hour)}
	require.NoError(t, ts.Append(ctx, old))
	require.NoError(t, ts.Append(ctx, fresh))

	job := RetentionJob(ts, 24*time.Hour, time.Hour, zerolog.Nop())
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, 1, ts.Count(models.ChannelPH))
}
