package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"benchrunner/internal/models"
)

type RecoveryStore interface {
	ListRunsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Run, error)
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
}

// Dispatcher publishes and re-arms runs, coordinator.Coordinator implements it
type Dispatcher interface {
	DispatchRun(ctx context.Context, run *models.Run) error
	Rearm(ctx context.Context, runID int64, automatic bool) (*models.Run, error)
}

type SweepReport struct {
	Dispatched int
	Rearmed    int
	Skipped    int
}

// Recovery finds runs that nobody is working on but someone should be, and puts them back on
// the queue. Together with stale lease reclamation this is the whole of crash recovery:
//
//   - PENDING, RUNNING and RESUMING runs without a live lease whose last dispatch is stale
//   - PAUSED runs whose batch is no longer paused, when the run resumes automatically or was
//     put down by a stopping worker
//   - FAILED runs with automatic retries left, which are re-armed first
type Recovery struct {
	store         RecoveryStore
	dispatcher    Dispatcher
	leaseTimeout  time.Duration
	dispatchStale time.Duration
	now           func() time.Time
}

type RecoveryOption func(*Recovery)

func WithClock(now func() time.Time) RecoveryOption {
	return func(r *Recovery) { r.now = now }
}

// NewRecovery creates the sweep. leaseTimeout must match the one processors use, dispatchStale
// is how long a published message may wait for a worker before it is sent again.
func NewRecovery(store RecoveryStore, dispatcher Dispatcher, leaseTimeout, dispatchStale time.Duration, opts ...RecoveryOption) *Recovery {
	r := &Recovery{
		store:         store,
		dispatcher:    dispatcher,
		leaseTimeout:  leaseTimeout,
		dispatchStale: dispatchStale,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recovery) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	runs, err := r.store.ListRunsByStatus(ctx,
		models.StatusPending,
		models.StatusRunning,
		models.StatusResuming,
		models.StatusPaused,
		models.StatusFailed,
	)
	if err != nil {
		return report, err
	}

	now := r.now()
	signals := make(map[int64]models.Signal)
	for i := range runs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		run := &runs[i]
		signal, ok := signals[run.BatchID]
		if !ok {
			batch, err := r.store.GetBatch(ctx, run.BatchID)
			if err != nil {
				log.Error().Err(err).Int64("batch_id", run.BatchID).Msg("Could not load batch")
				continue
			}
			signal = batch.Signal
			signals[run.BatchID] = signal
		}

		if !r.recoverable(run, signal, now) {
			report.Skipped++
			continue
		}

		if run.Status == models.StatusFailed {
			rearmed, err := r.dispatcher.Rearm(ctx, run.ID, true)
			if err != nil {
				log.Warn().Err(err).Int64("run_id", run.ID).Msg("Could not re-arm run")
				continue
			}
			report.Rearmed++
			run = rearmed
		}

		if err := r.dispatcher.DispatchRun(ctx, run); err != nil {
			log.Error().Err(err).Int64("run_id", run.ID).Msg("Could not re-dispatch run")
			continue
		}
		report.Dispatched++
		log.Info().
			Int64("run_id", run.ID).
			Int64("batch_id", run.BatchID).
			Str("status", string(run.Status)).
			Msg("Re-dispatched run")
	}

	return report, nil
}

func (r *Recovery) recoverable(run *models.Run, signal models.Signal, now time.Time) bool {
	l, leased := run.Lease(r.leaseTimeout)
	if leased && !l.Expired(now) {
		return false
	}

	switch run.Status {
	case models.StatusFailed:
		return run.HasPendingRetry() && signal != models.SignalCancel
	case models.StatusPaused:
		if signal == models.SignalPause {
			return false
		}
		if !run.AutoResume && run.PauseReason.String != models.ReasonWorkerShutdown {
			return false
		}
	}

	// a message sent after the last holder went quiet is still waiting for a worker
	if run.DispatchedAt.Valid && now.Sub(run.DispatchedAt.Time) < r.dispatchStale {
		if !leased || run.DispatchedAt.Time.After(l.HeartbeatAt) {
			return false
		}
	}
	return true
}
