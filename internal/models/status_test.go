package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/models"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from    models.Status
		to      models.Status
		allowed bool
	}{
		{models.StatusPending, models.StatusRunning, true},
		{models.StatusPending, models.StatusCompleted, false},
		{models.StatusRunning, models.StatusRunning, true},
		{models.StatusRunning, models.StatusPaused, true},
		{models.StatusRunning, models.StatusReadyForNextStage, true},
		{models.StatusRunning, models.StatusCompleted, true},
		{models.StatusRunning, models.StatusFailed, true},
		{models.StatusRunning, models.StatusResuming, false},
		{models.StatusPaused, models.StatusResuming, true},
		{models.StatusPaused, models.StatusRunning, false},
		{models.StatusResuming, models.StatusRunning, true},
		{models.StatusResuming, models.StatusFailed, true},
		{models.StatusReadyForNextStage, models.StatusCompleted, true},
		{models.StatusReadyForNextStage, models.StatusRunning, false},
		{models.StatusFailed, models.StatusPending, true},
		{models.StatusFailed, models.StatusRunning, false},
		{models.StatusCompleted, models.StatusPending, false},
		{models.StatusCancelled, models.StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatus_Classification(t *testing.T) {
	assert.True(t, models.StatusCompleted.IsTerminal())
	assert.True(t, models.StatusFailed.IsTerminal())
	assert.False(t, models.StatusReadyForNextStage.IsTerminal())
	assert.True(t, models.StatusReadyForNextStage.IsSettled())
	assert.True(t, models.StatusResuming.IsActive())
	assert.False(t, models.StatusPaused.IsActive())
	assert.True(t, models.StatusCancelled.Valid())
	assert.False(t, models.Status("BOGUS").Valid())
	assert.Equal(t, models.StatusReadyForNextStage, models.FinishedStatus(true))
	assert.Equal(t, models.StatusCompleted, models.FinishedStatus(false))
}

func TestRun_Transition(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("start sets started_at once", func(t *testing.T) {
		run := &models.Run{Status: models.StatusPending}
		require.NoError(t, run.Transition(models.StatusRunning, now))
		assert.Equal(t, now, run.StartedAt.Time)

		require.NoError(t, run.Pause("user request", now.Add(time.Minute)))
		require.NoError(t, run.Transition(models.StatusResuming, now.Add(2*time.Minute)))
		require.NoError(t, run.Transition(models.StatusRunning, now.Add(3*time.Minute)))
		assert.Equal(t, now, run.StartedAt.Time)
		assert.Equal(t, 1, run.ResumeCount)
		assert.False(t, run.PauseReason.Valid)
	})

	t.Run("pause and failure use separate fields", func(t *testing.T) {
		run := &models.Run{Status: models.StatusRunning}
		require.NoError(t, run.Pause("maintenance", now))
		assert.Equal(t, "maintenance", run.PauseReason.String)
		assert.False(t, run.ErrorMessage.Valid)

		other := &models.Run{Status: models.StatusRunning}
		require.NoError(t, other.Fail("too many errors", now))
		assert.Equal(t, "too many errors", other.ErrorMessage.String)
		assert.False(t, other.PauseReason.Valid)
		assert.True(t, other.CompletedAt.Valid)
	})

	t.Run("re-arm keeps counters", func(t *testing.T) {
		run := &models.Run{
			Status:          models.StatusFailed,
			CompletedItems:  7,
			FailedItems:     4,
			ConsecutiveErrs: 4,
			ErrorMessage:    nullString("boom"),
		}
		require.NoError(t, run.Transition(models.StatusPending, now))
		assert.Equal(t, 7, run.CompletedItems)
		assert.Equal(t, 4, run.FailedItems)
		assert.Equal(t, 0, run.ConsecutiveErrs)
		assert.Equal(t, 1, run.ResumeCount)
		assert.False(t, run.ErrorMessage.Valid)
		assert.False(t, run.CompletedAt.Valid)
	})

	t.Run("invalid transition", func(t *testing.T) {
		run := &models.Run{Status: models.StatusCompleted}
		err := run.Transition(models.StatusRunning, now)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.Equal(t, models.StatusCompleted, run.Status)
	})
}

func TestRun_Lease(t *testing.T) {
	run := &models.Run{ID: 3}
	_, ok := run.Lease(time.Minute)
	assert.False(t, ok)

	hb := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	run.OwnerToken = nullString("owner-a")
	run.LeaseAcquiredAt = nullInt(hb.UnixMilli())
	run.LeaseHeartbeatAt = nullInt(hb.UnixMilli())

	lease, ok := run.Lease(time.Minute)
	require.True(t, ok)
	assert.Equal(t, "owner-a", lease.Owner)
	assert.Equal(t, hb.Add(time.Minute), lease.ExpiresAt())
	assert.False(t, lease.Expired(hb.Add(59*time.Second)))
	assert.True(t, lease.Expired(hb.Add(time.Minute)))
}
