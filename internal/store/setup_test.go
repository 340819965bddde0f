package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"benchrunner/internal/database"
	"benchrunner/internal/models"
	"benchrunner/internal/store"
)

// testClock is a settable clock shared between the store and the test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestStore(t *testing.T, clock *testClock) *store.Store {
	t.Helper()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	s := store.New(db, store.WithClock(clock.Now))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// seedBatch creates a dataset with numQuestions questions and a generation batch with one run
// per model
func seedBatch(t *testing.T, s *store.Store, numQuestions int, executors ...string) (*models.Batch, []*models.Run) {
	t.Helper()
	ctx := context.Background()

	questions := make([]models.Question, numQuestions)
	for i := range questions {
		questions[i] = models.Question{Text: fmt.Sprintf("question %d", i+1)}
	}
	dv, err := s.CreateDatasetVersion(ctx, "v1", questions)
	require.NoError(t, err)

	batch := &models.Batch{
		Name:             "test batch",
		Stage:            models.StageGeneration,
		DatasetVersionID: dv.ID,
		RepeatCount:      2,
		Status:           models.StatusPending,
	}
	var runs []*models.Run
	for _, m := range executors {
		runs = append(runs, &models.Run{
			Stage:            models.StageGeneration,
			ExecutorID:       m,
			DatasetVersionID: dv.ID,
			RepeatCount:      2,
			Status:           models.StatusPending,
			TotalItems:       numQuestions * 2,
			MaxRetries:       3,
			TimeoutSeconds:   3600,
		})
	}
	require.NoError(t, s.CreateBatch(ctx, batch, runs))
	return batch, runs
}
