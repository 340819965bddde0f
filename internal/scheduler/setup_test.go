package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/coordinator"
	"benchrunner/internal/database"
	"benchrunner/internal/lease"
	"benchrunner/internal/models"
	"benchrunner/internal/queue"
	"benchrunner/internal/scheduler"
	"benchrunner/internal/store"
)

const (
	leaseTimeout  = time.Minute
	dispatchStale = 5 * time.Minute
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type MockQueueClient struct {
	mock.Mock
}

func (m *MockQueueClient) Publish(ctx context.Context, message queue.RunMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

type env struct {
	store    *store.Store
	clock    *testClock
	queue    *MockQueueClient
	leases   *lease.Manager
	coord    *coordinator.Coordinator
	recovery *scheduler.Recovery
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db, store.WithClock(clock.Now))
	require.NoError(t, s.Migrate(context.Background()))

	q := &MockQueueClient{}
	coord := coordinator.New(s, coordinator.WithPublisher(q), coordinator.WithClock(clock.Now))

	return &env{
		store:    s,
		clock:    clock,
		queue:    q,
		leases:   lease.NewManager(s, leaseTimeout, lease.WithClock(clock.Now)),
		coord:    coord,
		recovery: scheduler.NewRecovery(s, coord, leaseTimeout, dispatchStale, scheduler.WithClock(clock.Now)),
	}
}

// seed inserts a generation batch with the given signal and runs. The runs keep the status and
// retry settings they are given.
func (e *env) seed(t *testing.T, signal models.Signal, runs ...*models.Run) *models.Batch {
	t.Helper()
	ctx := context.Background()

	dv, err := e.store.CreateDatasetVersion(ctx, "v1", []models.Question{{Text: "q1"}, {Text: "q2"}})
	require.NoError(t, err)

	batch := &models.Batch{
		Name:             "batch",
		Stage:            models.StageGeneration,
		DatasetVersionID: dv.ID,
		RepeatCount:      1,
		Status:           models.StatusRunning,
		Signal:           signal,
	}
	for i, r := range runs {
		r.Stage = models.StageGeneration
		r.ExecutorID = "gpt-4o"
		r.RunIndex = i
		r.DatasetVersionID = dv.ID
		r.RepeatCount = 1
		r.TotalItems = 2
	}
	require.NoError(t, e.store.CreateBatch(ctx, batch, runs))
	return batch
}

func (e *env) reload(t *testing.T, id int64) *models.Run {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

// forRun matches the queue message of one run
func forRun(id int64) any {
	return mock.MatchedBy(func(m queue.RunMessage) bool { return m.RunID == id })
}
