package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/models"
	"benchrunner/internal/scheduler"
)

func TestRecovery_StaleLease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := &models.Run{Status: models.StatusRunning, MaxRetries: 3}
	e.seed(t, models.SignalNone, run)

	_, err := e.leases.Acquire(ctx, run.ID, "worker-a")
	require.NoError(t, err)

	t.Run("live lease is left alone", func(t *testing.T) {
		report, err := e.recovery.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, scheduler.SweepReport{Skipped: 1}, report)
	})

	e.queue.On("Publish", mock.Anything, forRun(run.ID)).Return(nil)
	e.clock.Advance(2 * time.Minute)

	t.Run("expired lease is re-dispatched", func(t *testing.T) {
		report, err := e.recovery.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, scheduler.SweepReport{Dispatched: 1}, report)
		assert.True(t, e.reload(t, run.ID).DispatchedAt.Valid)
	})

	t.Run("fresh dispatch is not repeated", func(t *testing.T) {
		e.clock.Advance(time.Minute)
		report, err := e.recovery.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Dispatched)
	})

	t.Run("stale dispatch is sent again", func(t *testing.T) {
		e.clock.Advance(dispatchStale)
		report, err := e.recovery.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Dispatched)
	})

	e.queue.AssertNumberOfCalls(t, "Publish", 2)
}

func TestRecovery_PausedBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pending := &models.Run{Status: models.StatusPending, MaxRetries: 3}
	paused := &models.Run{Status: models.StatusPaused, AutoResume: true, MaxRetries: 3}
	batch := e.seed(t, models.SignalPause, pending, paused)

	e.queue.On("Publish", mock.Anything, forRun(pending.ID)).Return(nil).Once()
	report, err := e.recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepReport{Dispatched: 1, Skipped: 1}, report)

	// once the batch is resumed the paused run is picked up again
	batch.Signal = models.SignalNone
	require.NoError(t, e.store.UpdateBatchControl(ctx, batch, models.SignalPause))

	e.queue.On("Publish", mock.Anything, forRun(paused.ID)).Return(nil).Once()
	report, err = e.recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepReport{Dispatched: 1, Skipped: 1}, report)

	e.queue.AssertExpectations(t)
}

func TestRecovery_PausedRunsNeedAutoResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	manual := &models.Run{Status: models.StatusPaused, MaxRetries: 3}
	automatic := &models.Run{Status: models.StatusPaused, AutoResume: true, MaxRetries: 3}
	shutdown := &models.Run{Status: models.StatusPaused, MaxRetries: 3}
	e.seed(t, models.SignalNone, manual, automatic, shutdown)

	manual.PauseReason = null.StringFrom("user pause")
	shutdown.PauseReason = null.StringFrom(models.ReasonWorkerShutdown)
	for _, run := range []*models.Run{manual, shutdown} {
		ok, err := e.store.UpdateIdleRun(ctx, run, models.StatusPaused)
		require.NoError(t, err)
		require.True(t, ok)
	}

	e.queue.On("Publish", mock.Anything, forRun(automatic.ID)).Return(nil).Once()
	e.queue.On("Publish", mock.Anything, forRun(shutdown.ID)).Return(nil).Once()
	report, err := e.recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepReport{Dispatched: 2, Skipped: 1}, report)
	e.queue.AssertExpectations(t)

	assert.Equal(t, models.StatusPaused, e.reload(t, manual.ID).Status)
	assert.False(t, e.reload(t, manual.ID).DispatchedAt.Valid)
}

func TestRecovery_RearmsFailedRuns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	retrying := &models.Run{Status: models.StatusFailed, AutoResume: true, MaxRetries: 2}
	manual := &models.Run{Status: models.StatusFailed, MaxRetries: 2}
	exhausted := &models.Run{Status: models.StatusFailed, AutoResume: true, MaxRetries: 0}
	e.seed(t, models.SignalNone, retrying, manual, exhausted)

	e.queue.On("Publish", mock.Anything, forRun(retrying.ID)).Return(nil).Once()
	report, err := e.recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepReport{Dispatched: 1, Rearmed: 1, Skipped: 2}, report)
	e.queue.AssertExpectations(t)

	run := e.reload(t, retrying.ID)
	assert.Equal(t, models.StatusPending, run.Status)
	assert.Equal(t, 1, run.RetryCount)
	assert.Equal(t, 1, run.ResumeCount)
	assert.True(t, run.DispatchedAt.Valid)

	assert.Equal(t, models.StatusFailed, e.reload(t, manual.ID).Status)
	assert.Equal(t, models.StatusFailed, e.reload(t, exhausted.ID).Status)
}

func TestRecovery_CancelledBatchIsNotRetried(t *testing.T) {
	e := newEnv(t)
	retrying := &models.Run{Status: models.StatusFailed, AutoResume: true, MaxRetries: 2}
	e.seed(t, models.SignalCancel, retrying)

	report, err := e.recovery.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.SweepReport{Skipped: 1}, report)
	e.queue.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestBatchProbe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	done := e.seed(t, models.SignalNone,
		&models.Run{Status: models.StatusCompleted},
		&models.Run{Status: models.StatusCompleted},
	)
	settled := e.seed(t, models.SignalNone, &models.Run{Status: models.StatusCancelled})
	settled.Status = models.StatusCancelled
	require.NoError(t, e.store.UpdateBatchAggregate(ctx, settled))

	probe := scheduler.NewBatchProbe(e.store, e.coord)
	n, err := probe.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err := e.store.GetBatch(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, batch.Status)
	assert.True(t, batch.CompletedAt.Valid)
}
