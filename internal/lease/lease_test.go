package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/database"
	"benchrunner/internal/lease"
	"benchrunner/internal/models"
	"benchrunner/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T) (*store.Store, *fakeClock, int64) {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db, store.WithClock(clock.Now))
	require.NoError(t, s.Migrate(ctx))

	dv, err := s.CreateDatasetVersion(ctx, "v1", []models.Question{{Text: "q"}})
	require.NoError(t, err)
	run := &models.Run{
		Stage:            models.StageGeneration,
		ExecutorID:       "gpt-4o",
		DatasetVersionID: dv.ID,
		RepeatCount:      1,
		Status:           models.StatusPending,
		TotalItems:       1,
	}
	batch := &models.Batch{Name: "b", Stage: models.StageGeneration, DatasetVersionID: dv.ID, Status: models.StatusPending}
	require.NoError(t, s.CreateBatch(ctx, batch, []*models.Run{run}))
	return s, clock, run.ID
}

func TestManager_AcquireRelease(t *testing.T) {
	s, clock, runID := setup(t)
	ctx := context.Background()
	m := lease.NewManager(s, time.Minute, lease.WithClock(clock.Now))

	first, err := m.Acquire(ctx, runID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", first.Owner)
	assert.Equal(t, clock.Now(), first.HeartbeatAt)
	assert.Equal(t, clock.Now().Add(time.Minute), first.ExpiresAt())

	_, err = m.Acquire(ctx, runID, "worker-b")
	assert.ErrorIs(t, err, models.ErrLeaseConflict)
	assert.ErrorIs(t, err, models.ErrAlreadyRunning)

	require.NoError(t, m.Release(ctx, first))
	assert.ErrorIs(t, m.Release(ctx, first), models.ErrLeaseLost, "a released lease cannot be released twice")

	second, err := m.Acquire(ctx, runID, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", second.Owner)

	_, err = m.Acquire(ctx, 999, "worker-c")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestManager_StaleReclaim(t *testing.T) {
	s, clock, runID := setup(t)
	ctx := context.Background()
	m := lease.NewManager(s, time.Minute, lease.WithClock(clock.Now))

	old, err := m.Acquire(ctx, runID, "worker-a")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	old, err = m.Heartbeat(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), old.HeartbeatAt)

	clock.Advance(45 * time.Second)
	_, err = m.Acquire(ctx, runID, "worker-b")
	assert.ErrorIs(t, err, models.ErrLeaseConflict, "heartbeat extended the lease")

	clock.Advance(30 * time.Second)
	assert.True(t, old.Expired(clock.Now()))
	taken, err := m.Acquire(ctx, runID, "worker-b")
	require.NoError(t, err)

	_, err = m.Heartbeat(ctx, old)
	assert.ErrorIs(t, err, models.ErrLeaseLost)
	assert.ErrorIs(t, m.Release(ctx, old), models.ErrLeaseLost)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, taken.Owner, run.OwnerToken.String)
}

func TestManager_KeepCancelsOnLoss(t *testing.T) {
	s, clock, runID := setup(t)
	ctx := context.Background()
	m := lease.NewManager(s, time.Minute, lease.WithClock(clock.Now))

	l, err := m.Acquire(ctx, runID, "worker-a")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = m.Acquire(ctx, runID, "worker-b")
	require.NoError(t, err)

	kctx, stop := m.Keep(ctx, l, 10*time.Millisecond)
	defer stop()

	select {
	case <-kctx.Done():
		assert.ErrorIs(t, context.Cause(kctx), models.ErrLeaseLost)
	case <-time.After(2 * time.Second):
		t.Fatal("keeper did not notice the lost lease")
	}
}

func TestManager_KeepStop(t *testing.T) {
	s, clock, runID := setup(t)
	ctx := context.Background()
	m := lease.NewManager(s, time.Minute, lease.WithClock(clock.Now))

	l, err := m.Acquire(ctx, runID, "worker-a")
	require.NoError(t, err)

	kctx, stop := m.Keep(ctx, l, time.Hour)
	stop()
	<-kctx.Done()
	assert.NotErrorIs(t, context.Cause(kctx), models.ErrLeaseLost)

	assert.NotEqual(t, lease.NewOwner(), lease.NewOwner())
}
