// Package coordinator owns batches. It fans a batch out into runs, broadcasts pause and cancel
// signals, re-arms failed runs and keeps the batch status in line with its runs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"benchrunner/internal/audit"
	"benchrunner/internal/models"
	"benchrunner/internal/progress"
	"benchrunner/internal/queue"
)

type Store interface {
	CreateBatch(ctx context.Context, batch *models.Batch, runs []*models.Run) error
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	UpdateBatchControl(ctx context.Context, batch *models.Batch, expected models.Signal) error
	UpdateBatchAggregate(ctx context.Context, batch *models.Batch) error
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	ListRuns(ctx context.Context, batchID int64) ([]models.Run, error)
	UpdateIdleRun(ctx context.Context, run *models.Run, expected models.Status) (bool, error)
	MarkDispatched(ctx context.Context, runIDs ...int64) error
	LoadOrderedQuestions(ctx context.Context, datasetVersionID int64) ([]models.Question, error)
}

// Processor runs one run to a stop, runner.Processor implements it
type Processor interface {
	Process(ctx context.Context, runID int64) (models.Status, error)
}

type Publisher interface {
	Publish(ctx context.Context, message queue.RunMessage) error
}

// SignalBus mirrors batch signals for fast polling, queue.RedisSignals implements it
type SignalBus interface {
	SetSignal(ctx context.Context, batchID int64, signal models.Signal) error
}

// Defaults apply to runs whose request leaves the value unset
type Defaults struct {
	MaxRetries     int
	TimeoutSeconds int
	AutoResume     bool
}

type Coordinator struct {
	store       Store
	processor   Processor
	publisher   Publisher
	bus         SignalBus
	recorder    audit.Recorder
	defaults    Defaults
	maxParallel int
	now         func() time.Time
}

type Option func(*Coordinator)

func WithProcessor(p Processor) Option {
	return func(c *Coordinator) { c.processor = p }
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithSignalBus(b SignalBus) Option {
	return func(c *Coordinator) { c.bus = b }
}

func WithRecorder(r audit.Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithDefaults(d Defaults) Option {
	return func(c *Coordinator) { c.defaults = d }
}

func WithMaxParallel(n int) Option {
	return func(c *Coordinator) { c.maxParallel = n }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		recorder:    audit.Nop{},
		defaults:    Defaults{MaxRetries: 3, TimeoutSeconds: 3600},
		maxParallel: 4,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBatchRequest describes a new batch. Generation batches name the models to run, evaluation
// batches name a source generation batch and the evaluators that score its answers.
type CreateBatchRequest struct {
	Name             string            `json:"name"`
	Stage            models.Stage      `json:"stage"`
	DatasetVersionID int64             `json:"datasetVersionId"`
	Models           []string          `json:"models"`
	RunsPerModel     int               `json:"runsPerModel"`
	RepeatCount      int               `json:"repeatCount"`
	SourceBatchID    int64             `json:"sourceBatchId"`
	Evaluators       []string          `json:"evaluators"`
	Parameters       models.Parameters `json:"parameters"`
	MaxRetries       null.Int          `json:"maxRetries"`
	TimeoutSeconds   null.Int          `json:"timeoutSeconds"`
	AutoResume       null.Bool         `json:"autoResume"`
	// SkipEvaluation makes generation runs finish as COMPLETED instead of READY_FOR_NEXT_STAGE
	SkipEvaluation bool `json:"skipEvaluation"`
}

// Validate checks the request without touching the store
func (r *CreateBatchRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}

	switch r.Stage {
	case models.StageGeneration:
		if r.DatasetVersionID <= 0 {
			errs = append(errs, errors.New("datasetVersionId is required for generation"))
		}
		if len(r.Models) == 0 {
			errs = append(errs, errors.New("at least one model is required for generation"))
		}
		if r.RunsPerModel < 0 {
			errs = append(errs, errors.New("runsPerModel cannot be negative"))
		}
		if r.RepeatCount < 0 {
			errs = append(errs, errors.New("repeatCount cannot be negative"))
		}
	case models.StageEvaluation:
		if r.SourceBatchID <= 0 {
			errs = append(errs, errors.New("sourceBatchId is required for evaluation"))
		}
		if len(r.Evaluators) == 0 {
			errs = append(errs, errors.New("at least one evaluator is required for evaluation"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown stage %q", r.Stage))
	}

	if r.MaxRetries.Valid && r.MaxRetries.Int64 < 0 {
		errs = append(errs, errors.New("maxRetries cannot be negative"))
	}
	if r.TimeoutSeconds.Valid && r.TimeoutSeconds.Int64 < 0 {
		errs = append(errs, errors.New("timeoutSeconds cannot be negative"))
	}
	return errors.Join(errs...)
}

// CreateBatch validates the request, fans it out into runs and stores the lot
func (c *Coordinator) CreateBatch(ctx context.Context, req CreateBatchRequest) (*models.Batch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		batch *models.Batch
		runs  []*models.Run
		ready []models.Run
		err   error
	)
	switch req.Stage {
	case models.StageGeneration:
		batch, runs, err = c.generationRuns(ctx, req)
	case models.StageEvaluation:
		batch, runs, ready, err = c.evaluationRuns(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	total := 0
	for _, r := range runs {
		total += r.TotalItems
	}
	batch.Progress = progress.Percent(0, total)
	batch.Status = models.StatusPending
	batch.LastActivityAt = null.TimeFrom(c.now())

	if err := c.store.CreateBatch(ctx, batch, runs); err != nil {
		return nil, err
	}
	log.Info().Int64("batch_id", batch.ID).Str("stage", string(batch.Stage)).Int("runs", len(runs)).Msg("Created batch")

	if len(ready) > 0 {
		c.handOff(ctx, ready)
	}
	return batch, nil
}

func (c *Coordinator) generationRuns(ctx context.Context, req CreateBatchRequest) (*models.Batch, []*models.Run, error) {
	questions, err := c.store.LoadOrderedQuestions(ctx, req.DatasetVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not load dataset version %d: %w", req.DatasetVersionID, err)
	}
	if len(questions) == 0 {
		return nil, nil, fmt.Errorf("%w: dataset version %d has no questions", models.ErrPartitionUnavailable, req.DatasetVersionID)
	}

	repeat := max(req.RepeatCount, 1)
	batch := &models.Batch{
		Name:             req.Name,
		Stage:            models.StageGeneration,
		DatasetVersionID: req.DatasetVersionID,
		RepeatCount:      repeat,
		Parameters:       req.Parameters,
	}

	var runs []*models.Run
	for _, model := range req.Models {
		for idx := 0; idx < max(req.RunsPerModel, 1); idx++ {
			run := c.newRun(req, models.StageGeneration, model)
			run.RunIndex = idx
			run.DatasetVersionID = req.DatasetVersionID
			run.RepeatCount = repeat
			run.TotalItems = len(questions) * repeat
			run.FeedsNextStage = !req.SkipEvaluation
			runs = append(runs, run)
		}
	}
	return batch, runs, nil
}

// evaluationRuns creates one run per finished source run and evaluator. It also returns the
// source runs waiting in READY_FOR_NEXT_STAGE, they are handed off once the batch exists.
func (c *Coordinator) evaluationRuns(ctx context.Context, req CreateBatchRequest) (*models.Batch, []*models.Run, []models.Run, error) {
	source, err := c.store.GetBatch(ctx, req.SourceBatchID)
	if err != nil {
		return nil, nil, nil, err
	}
	if source.Stage != models.StageGeneration {
		return nil, nil, nil, fmt.Errorf("source batch %d is not a generation batch", source.ID)
	}

	sourceRuns, err := c.store.ListRuns(ctx, source.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	batch := &models.Batch{
		Name:             req.Name,
		Stage:            models.StageEvaluation,
		DatasetVersionID: source.DatasetVersionID,
		SourceBatchID:    null.IntFrom(source.ID),
		RepeatCount:      source.RepeatCount,
		Parameters:       req.Parameters,
	}

	var runs []*models.Run
	var ready []models.Run
	for _, src := range sourceRuns {
		if src.Status != models.StatusReadyForNextStage && src.Status != models.StatusCompleted {
			continue
		}
		if src.Status == models.StatusReadyForNextStage {
			ready = append(ready, src)
		}
		for _, evaluator := range req.Evaluators {
			run := c.newRun(req, models.StageEvaluation, evaluator)
			run.RunIndex = src.RunIndex
			run.SourceRunID = null.IntFrom(src.ID)
			run.DatasetVersionID = src.DatasetVersionID
			run.RepeatCount = src.RepeatCount
			run.TotalItems = src.CompletedItems
			runs = append(runs, run)
		}
	}
	if len(runs) == 0 {
		return nil, nil, nil, fmt.Errorf("source batch %d has no finished runs to evaluate", source.ID)
	}
	return batch, runs, ready, nil
}

func (c *Coordinator) newRun(req CreateBatchRequest, stage models.Stage, executorID string) *models.Run {
	run := &models.Run{
		Stage:          stage,
		ExecutorID:     executorID,
		Parameters:     req.Parameters,
		Status:         models.StatusPending,
		MaxRetries:     c.defaults.MaxRetries,
		TimeoutSeconds: c.defaults.TimeoutSeconds,
		AutoResume:     c.defaults.AutoResume,
	}
	if req.MaxRetries.Valid {
		run.MaxRetries = int(req.MaxRetries.Int64)
	}
	if req.TimeoutSeconds.Valid {
		run.TimeoutSeconds = int(req.TimeoutSeconds.Int64)
	}
	if req.AutoResume.Valid {
		run.AutoResume = req.AutoResume.Bool
	}
	return run
}

// handOff completes source runs whose answers are now consumed by an evaluation batch
func (c *Coordinator) handOff(ctx context.Context, ready []models.Run) {
	batches := make(map[int64]struct{})
	for i := range ready {
		run := &ready[i]
		if err := c.moveIdle(ctx, run, models.StatusCompleted, nil); err != nil {
			log.Warn().Err(err).Int64("run_id", run.ID).Msg("Could not hand off run")
			continue
		}
		batches[run.BatchID] = struct{}{}
	}
	for id := range batches {
		if _, err := c.Refresh(ctx, id); err != nil {
			log.Warn().Err(err).Int64("batch_id", id).Msg("Could not refresh source batch")
		}
	}
}

// Run processes every runnable run of the batch in this process, at most maxParallel at a time
func (c *Coordinator) Run(ctx context.Context, batchID int64) (*models.Batch, error) {
	if c.processor == nil {
		return nil, errors.New("coordinator has no processor")
	}

	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.maxParallel, 1))
	for _, run := range runs {
		if !dispatchable(batch, &run) {
			continue
		}

		g.Go(func() error {
			status, err := c.processor.Process(gctx, run.ID)
			switch {
			case errors.Is(err, models.ErrAlreadyRunning):
				log.Info().Int64("run_id", run.ID).Msg("Run is held by another worker")
			case err != nil:
				log.Error().Err(err).Int64("run_id", run.ID).Str("status", string(status)).Msg("Run stopped with error")
			}
			if _, err := c.Refresh(context.WithoutCancel(gctx), batchID); err != nil {
				log.Warn().Err(err).Int64("batch_id", batchID).Msg("Could not refresh batch")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return c.Refresh(context.WithoutCancel(ctx), batchID)
}

// Dispatch publishes a queue message for every runnable run of the batch and returns how many
// were sent
func (c *Coordinator) Dispatch(ctx context.Context, batchID int64) (int, error) {
	if c.publisher == nil {
		return 0, errors.New("coordinator has no queue publisher")
	}

	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return 0, err
	}

	var sent []int64
	for i := range runs {
		if !dispatchable(batch, &runs[i]) {
			continue
		}
		if err := c.DispatchRun(ctx, &runs[i]); err != nil {
			return len(sent), err
		}
		sent = append(sent, runs[i].ID)
	}
	return len(sent), nil
}

// DispatchRun publishes one run and stamps its dispatch time
func (c *Coordinator) DispatchRun(ctx context.Context, run *models.Run) error {
	if c.publisher == nil {
		return errors.New("coordinator has no queue publisher")
	}
	if err := c.publisher.Publish(ctx, queue.RunMessage{
		RunID:      run.ID,
		BatchID:    run.BatchID,
		Stage:      run.Stage,
		EnqueuedAt: c.now(),
	}); err != nil {
		return fmt.Errorf("could not publish run %d: %w", run.ID, err)
	}
	return c.store.MarkDispatched(ctx, run.ID)
}

// dispatchable is true for runs a processor can make progress on
func dispatchable(batch *models.Batch, run *models.Run) bool {
	switch run.Status {
	case models.StatusPending, models.StatusRunning, models.StatusResuming:
		return batch.Signal != models.SignalPause || run.Status != models.StatusPending
	case models.StatusPaused:
		return batch.Signal == models.SignalNone
	default:
		return false
	}
}

// Pause asks every run of the batch to stop after its current item. Runs nobody is working on
// are paused right away.
func (c *Coordinator) Pause(ctx context.Context, batchID int64, reason string) (*models.Batch, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() || batch.Status == models.StatusReadyForNextStage {
		return nil, fmt.Errorf("%w: cannot pause %s batch %d", models.ErrInvalidTransition, batch.Status, batch.ID)
	}
	if batch.Signal == models.SignalCancel {
		return nil, fmt.Errorf("%w: batch %d is being cancelled", models.ErrInvalidTransition, batch.ID)
	}
	if reason == "" {
		reason = "paused by user"
	}

	now := c.now()
	previous := batch.Signal
	batch.Signal = models.SignalPause
	batch.PauseTime = null.TimeFrom(now)
	batch.PauseReason = null.StringFrom(reason)
	if err := c.writeControl(ctx, batch, previous); err != nil {
		return nil, err
	}

	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		run := &runs[i]
		if run.Status != models.StatusPending && run.Status != models.StatusResuming {
			continue
		}
		if err := c.moveIdle(ctx, run, models.StatusPaused, func(r *models.Run) error {
			return r.Pause(reason, now)
		}); err != nil {
			log.Warn().Err(err).Int64("run_id", run.ID).Msg("Could not pause run")
		}
	}

	log.Info().Int64("batch_id", batchID).Str("reason", reason).Msg("Paused batch")
	return c.Refresh(ctx, batchID)
}

// Resume clears the pause signal, moves paused runs to RESUMING and dispatches them when a queue
// is configured
func (c *Coordinator) Resume(ctx context.Context, batchID int64) (*models.Batch, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Signal != models.SignalPause && batch.Status != models.StatusPaused {
		return nil, fmt.Errorf("%w: batch %d is %s, not paused", models.ErrInvalidTransition, batch.ID, batch.Status)
	}

	previous := batch.Signal
	batch.Signal = models.SignalNone
	batch.ResumeCount++
	batch.PauseReason = null.String{}
	if err := c.writeControl(ctx, batch, previous); err != nil {
		return nil, err
	}

	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		run := &runs[i]
		if run.Status != models.StatusPaused {
			continue
		}
		if err := c.moveIdle(ctx, run, models.StatusResuming, nil); err != nil {
			log.Warn().Err(err).Int64("run_id", run.ID).Msg("Could not resume run")
		}
	}

	batch, err = c.Refresh(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if c.publisher != nil {
		if _, err := c.Dispatch(ctx, batchID); err != nil {
			return batch, err
		}
	}
	log.Info().Int64("batch_id", batchID).Int("resume_count", batch.ResumeCount).Msg("Resumed batch")
	return batch, nil
}

// Cancel stops the batch for good. Idle runs are cancelled immediately, running ones after their
// current item.
func (c *Coordinator) Cancel(ctx context.Context, batchID int64) (*models.Batch, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch %d is already %s", models.ErrInvalidTransition, batch.ID, batch.Status)
	}

	previous := batch.Signal
	batch.Signal = models.SignalCancel
	if err := c.writeControl(ctx, batch, previous); err != nil {
		return nil, err
	}

	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		run := &runs[i]
		if !run.Status.CanTransition(models.StatusCancelled) {
			continue
		}
		if err := c.moveIdle(ctx, run, models.StatusCancelled, nil); err != nil {
			log.Warn().Err(err).Int64("run_id", run.ID).Msg("Could not cancel run")
		}
	}

	log.Info().Int64("batch_id", batchID).Msg("Cancelled batch")
	return c.Refresh(ctx, batchID)
}

// RetryRun re-arms a failed run and dispatches it when a queue is configured. Counters and
// checkpoint are kept, the run continues where it failed.
func (c *Coordinator) RetryRun(ctx context.Context, runID int64) (*models.Run, error) {
	run, err := c.Rearm(ctx, runID, false)
	if err != nil {
		return nil, err
	}
	if c.publisher != nil {
		if err := c.DispatchRun(ctx, run); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Rearm moves a FAILED run back to PENDING. Automatic re-arms count against the run's retry
// budget.
func (c *Coordinator) Rearm(ctx context.Context, runID int64, automatic bool) (*models.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: run %d is %s, only failed runs can be retried", models.ErrInvalidTransition, run.ID, run.Status)
	}
	if automatic && !run.HasPendingRetry() {
		return nil, fmt.Errorf("run %d has no automatic retries left", run.ID)
	}

	if err := c.moveIdle(ctx, run, models.StatusPending, func(r *models.Run) error {
		if err := r.Transition(models.StatusPending, c.now()); err != nil {
			return err
		}
		if automatic {
			r.RetryCount++
		}
		return nil
	}); err != nil {
		return nil, err
	}

	log.Info().Int64("run_id", run.ID).Bool("automatic", automatic).Int("resume_count", run.ResumeCount).Msg("Re-armed run")
	if _, err := c.Refresh(ctx, run.BatchID); err != nil {
		return run, err
	}
	return run, nil
}

// moveIdle applies a transition to a run nobody holds and reports it. step defaults to a plain
// transition.
func (c *Coordinator) moveIdle(ctx context.Context, run *models.Run, to models.Status, step func(*models.Run) error) error {
	from := run.Status
	if step == nil {
		step = func(r *models.Run) error {
			return r.Transition(to, c.now())
		}
	}
	if err := step(run); err != nil {
		return err
	}

	ok, err := c.store.UpdateIdleRun(ctx, run, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: run %d changed or is leased", models.ErrLeaseConflict, run.ID)
	}
	c.record(ctx, audit.StatusChange(audit.EntityRun, run.ID, from, to, c.now()))
	return nil
}

// writeControl stores the control fields of the batch as long as its signal is still previous,
// then reports and mirrors the new signal
func (c *Coordinator) writeControl(ctx context.Context, batch *models.Batch, previous models.Signal) error {
	batch.LastActivityAt = null.TimeFrom(c.now())
	if err := c.store.UpdateBatchControl(ctx, batch, previous); err != nil {
		return err
	}
	if batch.Signal == previous {
		return nil
	}

	c.record(ctx, audit.Change{
		EntityType: audit.EntityBatch,
		EntityID:   batch.ID,
		Field:      "signal",
		OldValue:   string(previous),
		NewValue:   string(batch.Signal),
		ChangedAt:  c.now(),
	})
	if c.bus != nil {
		if err := c.bus.SetSignal(ctx, batch.ID, batch.Signal); err != nil {
			// the store stays authoritative, processors fall back to it
			log.Warn().Err(err).Int64("batch_id", batch.ID).Msg("Could not mirror batch signal")
		}
	}
	return nil
}

// Refresh recomputes status and progress of the batch from its runs. It writes only the derived
// fields, control fields set concurrently by Pause, Resume or Cancel are left alone.
func (c *Coordinator) Refresh(ctx context.Context, batchID int64) (*models.Batch, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}

	status := Aggregate(runs)
	completed, total := 0, 0
	var lastActivity null.Time
	var failures []string
	for i := range runs {
		r := &runs[i]
		completed += r.CompletedItems
		total += r.TotalItems
		if r.LastActivityAt.Valid && (!lastActivity.Valid || r.LastActivityAt.Time.After(lastActivity.Time)) {
			lastActivity = r.LastActivityAt
		}
		if r.Status == models.StatusFailed && !r.HasPendingRetry() {
			failures = append(failures, fmt.Sprintf("run %d (%s): %s", r.ID, r.ExecutorID, r.ErrorMessage.String))
		}
	}

	if status != batch.Status {
		c.record(ctx, audit.StatusChange(audit.EntityBatch, batch.ID, batch.Status, status, c.now()))
		log.Info().
			Int64("batch_id", batch.ID).
			Str("from", string(batch.Status)).
			Str("to", string(status)).
			Msg("Batch status changed")
	}
	batch.Status = status
	batch.Progress = progress.Percent(completed, total)
	newer := null.Time{}
	if lastActivity.Valid && (!batch.LastActivityAt.Valid || lastActivity.Time.After(batch.LastActivityAt.Time)) {
		batch.LastActivityAt = lastActivity
		newer = lastActivity
	}

	switch status {
	case models.StatusCompleted, models.StatusReadyForNextStage, models.StatusFailed, models.StatusCancelled:
		if !batch.CompletedAt.Valid {
			batch.CompletedAt = null.TimeFrom(c.now())
		}
	default:
		batch.CompletedAt = null.Time{}
	}
	if status == models.StatusFailed {
		batch.ErrorMessage = null.StringFrom(strings.Join(failures, "; "))
	} else {
		batch.ErrorMessage = null.String{}
	}

	if err := c.store.UpdateBatchAggregate(ctx, &models.Batch{
		ID:             batch.ID,
		Status:         batch.Status,
		Progress:       batch.Progress,
		CompletedAt:    batch.CompletedAt,
		ErrorMessage:   batch.ErrorMessage,
		LastActivityAt: newer,
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// Progress reports per-run and aggregate counters of the batch
func (c *Coordinator) Progress(ctx context.Context, batchID int64) (*progress.BatchProgress, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, batchID)
	if err != nil {
		return nil, err
	}

	p := progress.ForBatch(batch, runs, c.now())
	return &p, nil
}

func (c *Coordinator) record(ctx context.Context, change audit.Change) {
	if err := c.recorder.RecordChange(ctx, change); err != nil {
		log.Warn().Err(err).Str("entity", change.EntityType).Int64("entity_id", change.EntityID).Msg("Could not record change")
	}
}
