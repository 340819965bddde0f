package queue

import (
	"context"
	"time"

	"benchrunner/internal/models"
)

// RunMessage asks a worker to process a run. Delivery is at least once; the run's lease makes
// duplicates harmless.
type RunMessage struct {
	RunID      int64        `json:"run_id"`
	BatchID    int64        `json:"batch_id"`
	Stage      models.Stage `json:"stage"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Client defines the interface for run queue operations
type Client interface {
	Publish(ctx context.Context, message RunMessage) error
	Subscribe(ctx context.Context, handler func(RunMessage)) error
	Close() error
}
