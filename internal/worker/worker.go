package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/models"
	"benchrunner/internal/queue"
)

// Subscriber delivers run messages, queue.RedisClient implements it
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(queue.RunMessage)) error
}

// Processor drives one run, runner.Processor implements it
type Processor interface {
	Process(ctx context.Context, runID int64) (models.Status, error)
}

// Refresher re-aggregates a batch, coordinator.Coordinator implements it
type Refresher interface {
	Refresh(ctx context.Context, batchID int64) (*models.Batch, error)
}

type Worker struct {
	ID          string
	queue       Subscriber
	processor   Processor
	refresher   Refresher
	concurrency int
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewWorker creates a worker that consumes the run queue with concurrency subscriber loops, so
// that at most that many runs are processed at once
func NewWorker(q Subscriber, processor Processor, refresher Refresher, concurrency int) *Worker {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		ID:          id,
		queue:       q,
		processor:   processor,
		refresher:   refresher,
		concurrency: max(concurrency, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start is a blocking function. It listens to the queue for queue.RunMessage and processes the
// run each message names. It returns once Stop is called and every loop has let go of its run.
func (w *Worker) Start() error {
	log.Info().Str("worker_id", w.ID).Int("concurrency", w.concurrency).Msg("Worker started")

	var wg sync.WaitGroup
	errs := make([]error, w.concurrency)
	for i := range w.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.queue.Subscribe(w.ctx, func(message queue.RunMessage) {
				w.Handle(w.ctx, message)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				errs[i] = err
				// one broken loop takes the others down with it
				w.cancel()
			}
		}()
	}
	wg.Wait()

	log.Info().Str("worker_id", w.ID).Msg("Worker stopped")
	return errors.Join(errs...)
}

// Handle processes the run of one message and refreshes its batch. A run already held by another
// worker is skipped: the holder finishes it, or recovery re-dispatches it once the lease is stale.
func (w *Worker) Handle(ctx context.Context, message queue.RunMessage) {
	logger := log.With().
		Str("worker_id", w.ID).
		Int64("run_id", message.RunID).
		Int64("batch_id", message.BatchID).
		Logger()

	logger.Info().Str("stage", string(message.Stage)).Msg("Received run")
	status, err := w.processor.Process(ctx, message.RunID)
	switch {
	case errors.Is(err, models.ErrAlreadyRunning):
		logger.Info().Msg("Run is held by another worker, skipping")
		return
	case errors.Is(err, models.ErrLeaseLost):
		logger.Warn().Msg("Lost the lease while processing")
	case err != nil:
		logger.Error().Err(err).Str("status", string(status)).Msg("Run stopped with error")
	default:
		logger.Info().Str("status", string(status)).Msg("Run stopped")
	}

	batchID := message.BatchID
	if batchID == 0 {
		return
	}
	if _, err := w.refresher.Refresh(context.WithoutCancel(ctx), batchID); err != nil {
		logger.Error().Err(err).Msg("Could not refresh batch")
	}
}

func (w *Worker) Stop() {
	w.cancel()
}
