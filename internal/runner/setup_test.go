package runner_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"benchrunner/internal/database"
	"benchrunner/internal/executor"
	"benchrunner/internal/lease"
	"benchrunner/internal/models"
	"benchrunner/internal/partition"
	"benchrunner/internal/runner"
	"benchrunner/internal/store"
)

const leaseTimeout = time.Minute

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

type env struct {
	store  *store.Store
	clock  *testClock
	leases *lease.Manager
	batch  *models.Batch
	run    *models.Run
}

type seedOpts struct {
	questions      int
	repeat         int
	maxRetries     int
	feedsNextStage bool
}

func newEnv(t *testing.T, opts seedOpts) *env {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db, store.WithClock(clock.Now))
	require.NoError(t, s.Migrate(ctx))

	questions := make([]models.Question, opts.questions)
	for i := range questions {
		questions[i] = models.Question{Text: fmt.Sprintf("question %d", i+1)}
	}
	dv, err := s.CreateDatasetVersion(ctx, "v1", questions)
	require.NoError(t, err)

	batch := &models.Batch{
		Name:             "batch",
		Stage:            models.StageGeneration,
		DatasetVersionID: dv.ID,
		RepeatCount:      opts.repeat,
		Status:           models.StatusPending,
	}
	run := &models.Run{
		Stage:            models.StageGeneration,
		ExecutorID:       "gpt-4o",
		DatasetVersionID: dv.ID,
		RepeatCount:      opts.repeat,
		Status:           models.StatusPending,
		TotalItems:       opts.questions * opts.repeat,
		MaxRetries:       opts.maxRetries,
		FeedsNextStage:   opts.feedsNextStage,
	}
	require.NoError(t, s.CreateBatch(ctx, batch, []*models.Run{run}))

	return &env{
		store:  s,
		clock:  clock,
		leases: lease.NewManager(s, leaseTimeout, lease.WithClock(clock.Now)),
		batch:  batch,
		run:    run,
	}
}

func (e *env) processor(st runner.Store, leaser runner.Leaser, gen *fakeGenerator) *runner.Processor {
	exec := executor.New(e.store, gen, gen)
	return runner.NewProcessor(st, leaser, partition.New(e.store), exec, e.store, runner.Config{
		ItemAttempts:      3,
		HeartbeatInterval: time.Hour,
	}, runner.WithClock(e.clock.Now))
}

func (e *env) reload(t *testing.T) *models.Run {
	t.Helper()
	run, err := e.store.GetRun(context.Background(), e.run.ID)
	require.NoError(t, err)
	return run
}

func (e *env) setSignal(t *testing.T, signal models.Signal, reason string) {
	t.Helper()
	batch, err := e.store.GetBatch(context.Background(), e.batch.ID)
	require.NoError(t, err)
	previous := batch.Signal
	batch.Signal = signal
	batch.PauseReason.SetValid(reason)
	if reason == "" {
		batch.PauseReason.Valid = false
	}
	require.NoError(t, e.store.UpdateBatchControl(context.Background(), batch, previous))
}

// fakeGenerator answers every question, calling hook first when set. hook sees the 1-based call
// number and may return an error for that call.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	hook  func(call int) error
}

func (g *fakeGenerator) Generate(ctx context.Context, model string, question models.Question, params models.Parameters) (string, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()

	if g.hook != nil {
		if err := g.hook(call); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s answers %d", model, question.ID), nil
}

func (g *fakeGenerator) Evaluate(ctx context.Context, evaluator string, answer models.Answer, criteria string) (float64, error) {
	return 5, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var errCrashed = errors.New("process crashed")

// crashingStore fails every run write once crashed is set, the way a killed process stops writing
type crashingStore struct {
	*store.Store
	crashed atomic.Bool
}

func (c *crashingStore) UpdateRun(ctx context.Context, l models.Lease, run *models.Run) error {
	if c.crashed.Load() {
		return errCrashed
	}
	return c.Store.UpdateRun(ctx, l, run)
}

func (c *crashingStore) CommitItem(ctx context.Context, l models.Lease, run *models.Run, result *models.ItemResult) error {
	if c.crashed.Load() {
		return errCrashed
	}
	return c.Store.CommitItem(ctx, l, run, result)
}

// keepingLeaser never releases, a crashed process leaves its lease behind
type keepingLeaser struct {
	*lease.Manager
}

func (keepingLeaser) Release(context.Context, models.Lease) error {
	return nil
}
