// Package runner drives one run from its checkpoint to the end of its partition. A Processor
// holds the run's lease for the whole session, resolves items strictly in order and commits every
// outcome together with the checkpoint, so a crash at any point loses at most the item in flight.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/audit"
	"benchrunner/internal/executor"
	"benchrunner/internal/lease"
	"benchrunner/internal/models"
	"benchrunner/internal/partition"
	"benchrunner/internal/progress"
)

type Store interface {
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	UpdateRun(ctx context.Context, lease models.Lease, run *models.Run) error
	CommitItem(ctx context.Context, lease models.Lease, run *models.Run, result *models.ItemResult) error
}

type Leaser interface {
	Acquire(ctx context.Context, runID int64, owner string) (models.Lease, error)
	Release(ctx context.Context, l models.Lease) error
	Keep(ctx context.Context, l models.Lease, interval time.Duration) (context.Context, func())
}

type Partitioner interface {
	Enumerate(ctx context.Context, run *models.Run) (*partition.Partition, error)
}

type Executor interface {
	Execute(ctx context.Context, run *models.Run, item models.WorkItem) executor.Outcome
}

// Signals reports the control flag of a batch
type Signals interface {
	Signal(ctx context.Context, batchID int64) (models.Signal, error)
}

type Config struct {
	// ItemAttempts is how often a transiently failing item is tried before it is recorded as failed
	ItemAttempts int
	// Backoff is the base of the linear backoff between item attempts and commit retries
	Backoff           time.Duration
	HeartbeatInterval time.Duration
}

type Processor struct {
	store       Store
	leases      Leaser
	partitioner Partitioner
	executor    Executor
	signals     Signals
	recorder    audit.Recorder
	conf        Config
	now         func() time.Time
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

func WithRecorder(r audit.Recorder) Option {
	return func(p *Processor) {
		p.recorder = r
	}
}

func NewProcessor(store Store, leases Leaser, partitioner Partitioner, exec Executor, signals Signals, conf Config, opts ...Option) *Processor {
	if conf.ItemAttempts <= 0 {
		conf.ItemAttempts = 1
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = 30 * time.Second
	}

	p := &Processor{
		store:       store,
		leases:      leases,
		partitioner: partitioner,
		executor:    exec,
		signals:     signals,
		recorder:    audit.Nop{},
		conf:        conf,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// session is the state of one Process call
type session struct {
	p       *Processor
	lease   models.Lease
	run     *models.Run
	changes []audit.Change
	logger  zerolog.Logger
}

// Process takes the lease of the run and works through its remaining items. It returns the status
// the run was left in. models.ErrAlreadyRunning means another owner holds the run, and
// models.ErrLeaseLost means the run was taken over while it was being processed; in both cases
// nothing was written on the run's behalf.
func (p *Processor) Process(ctx context.Context, runID int64) (status models.Status, err error) {
	owner := lease.NewOwner()
	l, err := p.leases.Acquire(ctx, runID, owner)
	if err != nil {
		return "", err
	}

	defer func() {
		if errors.Is(err, models.ErrLeaseLost) {
			return
		}
		if rerr := p.leases.Release(context.WithoutCancel(ctx), l); rerr != nil {
			log.Warn().Err(rerr).Int64("run_id", runID).Str("owner", owner).Msg("Could not release lease")
		}
	}()

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("could not load run %d: %w", runID, err)
	}

	s := &session{
		p:     p,
		lease: l,
		run:   run,
		logger: log.With().
			Int64("run_id", run.ID).
			Int64("batch_id", run.BatchID).
			Str("owner", owner).
			Logger(),
	}
	return s.process(ctx)
}

func (s *session) process(ctx context.Context) (models.Status, error) {
	run := s.run
	if run.Status.IsTerminal() || run.Status == models.StatusReadyForNextStage {
		s.logger.Info().Str("status", string(run.Status)).Msg("Run has nothing left to do")
		return run.Status, nil
	}

	// control flags win over everything else
	switch s.signal(ctx) {
	case models.SignalCancel:
		return s.finish(ctx, s.move(models.StatusCancelled))
	case models.SignalPause:
		if run.Status == models.StatusPaused {
			return run.Status, nil
		}
		return s.finish(ctx, s.pause(s.pauseReason(ctx)))
	}

	if run.Status == models.StatusPaused {
		if err := s.move(models.StatusResuming); err != nil {
			return run.Status, err
		}
		if err := s.save(ctx); err != nil {
			return run.Status, err
		}
	}

	remaining, fingerprint, err := s.prepare(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}
	if err := s.move(models.StatusRunning); err != nil {
		return run.Status, err
	}
	if err := s.save(ctx); err != nil {
		return run.Status, err
	}

	s.logger.Info().
		Int("total", run.TotalItems).
		Int("remaining", len(remaining)).
		Int("resume_count", run.ResumeCount).
		Msg("Processing run")

	return s.loop(ctx, remaining, fingerprint)
}

// prepare enumerates the run and drops everything up to its checkpoint
func (s *session) prepare(ctx context.Context) ([]models.WorkItem, string, error) {
	part, err := s.p.partitioner.Enumerate(ctx, s.run)
	if err != nil {
		return nil, "", err
	}

	cp, err := s.run.Checkpoint()
	if err != nil {
		return nil, "", err
	}
	remaining, err := part.After(cp)
	if err != nil {
		return nil, "", err
	}

	s.run.TotalItems = part.Total()
	return remaining, part.Fingerprint, nil
}

func (s *session) loop(ctx context.Context, remaining []models.WorkItem, fingerprint string) (models.Status, error) {
	// shutdown stops the loop between items but never cuts an item short
	runCtx := context.WithoutCancel(ctx)
	if s.run.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(s.run.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	kctx, stop := s.p.leases.Keep(runCtx, s.lease, s.p.conf.HeartbeatInterval)
	defer stop()

	for _, item := range remaining {
		if status, done, err := s.interrupted(ctx, runCtx, kctx); done {
			return status, err
		}

		switch s.signal(kctx) {
		case models.SignalCancel:
			return s.finish(ctx, s.move(models.StatusCancelled))
		case models.SignalPause:
			return s.finish(ctx, s.pause(s.pauseReason(ctx)))
		}

		attempts, out, _ := tryRunR(kctx, s.p.conf.ItemAttempts, s.p.conf.Backoff, func() (executor.Outcome, error) {
			out := s.p.executor.Execute(kctx, s.run, item)
			if out.Retryable() {
				return out, out.Err
			}
			return out, nil
		})

		// an item cut short by a timeout or a lost lease is not recorded. One that was in
		// flight at shutdown is, and the next pass of the loop pauses the run.
		if kctx.Err() != nil {
			if status, done, err := s.interrupted(ctx, runCtx, kctx); done {
				return status, err
			}
		}

		if err := s.commit(ctx, item, out, attempts, fingerprint); err != nil {
			return s.run.Status, err
		}

		if s.run.ConsecutiveErrs > s.run.MaxRetries {
			err := fmt.Errorf("%w: %d consecutive item failures, last: %w", models.ErrRunFatal, s.run.ConsecutiveErrs, out.Err)
			return s.fail(ctx, err)
		}
	}

	return s.finish(ctx, s.move(models.FinishedStatus(s.run.FeedsNextStage)))
}

// interrupted checks the three contexts of the loop in order of precedence: a lost lease, the
// run timeout and then worker shutdown. done is true when processing must stop.
func (s *session) interrupted(ctx, runCtx, kctx context.Context) (models.Status, bool, error) {
	switch {
	case errors.Is(context.Cause(kctx), models.ErrLeaseLost):
		s.logger.Warn().Msg("Lease lost, abandoning run")
		return s.run.Status, true, models.ErrLeaseLost
	case runCtx.Err() != nil:
		status, err := s.fail(ctx, fmt.Errorf("run timed out after %ds", s.run.TimeoutSeconds))
		return status, true, err
	case ctx.Err() != nil:
		s.logger.Info().Msg("Pausing run for shutdown")
		status, err := s.finish(ctx, s.pause(models.ReasonWorkerShutdown))
		return status, true, err
	}
	return "", false, nil
}

// commit records the outcome of one item together with counters, progress and checkpoint
func (s *session) commit(ctx context.Context, item models.WorkItem, out executor.Outcome, attempts int, fingerprint string) error {
	run := s.run
	now := s.p.now()

	var result *models.ItemResult
	switch out.Kind {
	case executor.Success:
		run.CompletedItems++
		run.ConsecutiveErrs = 0
		result = models.NewItemResult(run, item, now)
		result.Status = models.ResultSuccess
		result.Payload = out.Payload
		result.Score = out.Score

	case executor.Failed:
		run.FailedItems++
		run.ConsecutiveErrs++
		result = models.NewItemResult(run, item, now)
		result.Status = models.ResultFailed
		if out.Err != nil {
			result.ErrorMessage.SetValid(out.Err.Error())
		}
		s.logger.Warn().Err(out.Err).Str("item", item.Key.String()).Int("attempts", attempts).Msg("Item failed")
	}
	if result != nil {
		result.Attempts = attempts
	}

	if err := run.ApplyCheckpoint(&models.Checkpoint{
		Version:     models.CheckpointVersion,
		LastKey:     item.Key,
		LastOrdinal: item.Ordinal,
		Fingerprint: fingerprint,
		Total:       run.TotalItems,
		UpdatedAt:   now,
	}); err != nil {
		return err
	}
	run.Progress = progress.Percent(run.CompletedItems, run.TotalItems)
	run.LastActivityAt.SetValid(now)

	var lost error
	wctx := context.WithoutCancel(ctx)
	_, err := tryRun(wctx, s.p.conf.ItemAttempts, s.p.conf.Backoff, func() error {
		err := s.p.store.CommitItem(wctx, s.lease, run, result)
		if errors.Is(err, models.ErrLeaseLost) {
			lost = err
			return nil
		}
		return err
	})
	if lost != nil {
		s.logger.Warn().Str("item", item.Key.String()).Msg("Lease lost, result discarded")
		return lost
	}
	if err != nil {
		return fmt.Errorf("could not commit %s of run %d: %w", item.Key, run.ID, err)
	}
	return nil
}

func (s *session) signal(ctx context.Context) models.Signal {
	sig, err := s.p.signals.Signal(ctx, s.run.BatchID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read batch signal")
		return models.SignalNone
	}
	return sig
}

func (s *session) pauseReason(ctx context.Context) string {
	batch, err := s.p.store.GetBatch(ctx, s.run.BatchID)
	if err != nil || !batch.PauseReason.Valid {
		return "paused"
	}
	return batch.PauseReason.String
}

// move transitions the run in memory and queues the audit change
func (s *session) move(to models.Status) error {
	from := s.run.Status
	if err := s.run.Transition(to, s.p.now()); err != nil {
		return err
	}
	if from != to {
		s.changes = append(s.changes, audit.StatusChange(audit.EntityRun, s.run.ID, from, to, s.p.now()))
	}
	return nil
}

func (s *session) pause(reason string) error {
	from := s.run.Status
	if err := s.run.Pause(reason, s.p.now()); err != nil {
		return err
	}
	s.changes = append(s.changes, audit.StatusChange(audit.EntityRun, s.run.ID, from, models.StatusPaused, s.p.now()))
	return nil
}

// fail moves the run to FAILED. Runs that have not been marked RUNNING yet pass through it.
func (s *session) fail(ctx context.Context, cause error) (models.Status, error) {
	if !s.run.Status.CanTransition(models.StatusFailed) {
		if err := s.move(models.StatusRunning); err != nil {
			return s.run.Status, err
		}
	}

	from := s.run.Status
	if err := s.run.Fail(cause.Error(), s.p.now()); err != nil {
		return s.run.Status, err
	}
	s.changes = append(s.changes, audit.StatusChange(audit.EntityRun, s.run.ID, from, models.StatusFailed, s.p.now()))
	s.logger.Error().Err(cause).Msg("Run failed")

	if err := s.save(ctx); err != nil {
		return s.run.Status, err
	}
	return s.run.Status, cause
}

// finish persists the transition produced by the given step
func (s *session) finish(ctx context.Context, stepErr error) (models.Status, error) {
	if stepErr != nil {
		return s.run.Status, stepErr
	}
	if err := s.save(ctx); err != nil {
		return s.run.Status, err
	}
	s.logger.Info().
		Str("status", string(s.run.Status)).
		Int("completed", s.run.CompletedItems).
		Int("failed", s.run.FailedItems).
		Msg("Run stopped")
	return s.run.Status, nil
}

// save writes the run and reports the queued changes. Writes outlive ctx so that a shutdown can
// still record the pause.
func (s *session) save(ctx context.Context) error {
	wctx := context.WithoutCancel(ctx)
	s.run.Progress = progress.Percent(s.run.CompletedItems, s.run.TotalItems)
	if err := s.p.store.UpdateRun(wctx, s.lease, s.run); err != nil {
		if errors.Is(err, models.ErrLeaseLost) {
			return err
		}
		return fmt.Errorf("could not save run %d: %w", s.run.ID, err)
	}

	for _, c := range s.changes {
		if err := s.p.recorder.RecordChange(wctx, c); err != nil {
			s.logger.Warn().Err(err).Msg("Could not record change")
		}
	}
	s.changes = s.changes[:0]
	return nil
}
