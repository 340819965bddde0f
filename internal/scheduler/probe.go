package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"benchrunner/internal/models"
)

type BatchLister interface {
	ListBatches(ctx context.Context, statuses ...models.Status) ([]models.Batch, error)
}

// Refresher recomputes one batch aggregate, coordinator.Coordinator implements it
type Refresher interface {
	Refresh(ctx context.Context, batchID int64) (*models.Batch, error)
}

// BatchProbe periodically re-aggregates batches that can still change. Processors and control
// operations refresh their batch as they go, the probe catches what a crashed process missed.
type BatchProbe struct {
	store     BatchLister
	refresher Refresher
}

func NewBatchProbe(store BatchLister, refresher Refresher) *BatchProbe {
	return &BatchProbe{store: store, refresher: refresher}
}

// Probe refreshes every batch that is not COMPLETED or CANCELLED and returns how many it
// refreshed
func (p *BatchProbe) Probe(ctx context.Context) (int, error) {
	batches, err := p.store.ListBatches(ctx,
		models.StatusPending,
		models.StatusRunning,
		models.StatusPaused,
		models.StatusResuming,
		models.StatusReadyForNextStage,
		models.StatusFailed,
	)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, batch := range batches {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		updated, err := p.refresher.Refresh(ctx, batch.ID)
		if err != nil {
			log.Error().Err(err).Int64("batch_id", batch.ID).Msg("Could not refresh batch")
			continue
		}
		refreshed++
		if updated.Status != batch.Status {
			log.Info().
				Int64("batch_id", batch.ID).
				Str("from", string(batch.Status)).
				Str("to", string(updated.Status)).
				Msg("Probe moved batch")
		}
	}
	return refreshed, nil
}
