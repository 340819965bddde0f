package coordinator

import (
	"benchrunner/internal/models"
)

// Aggregate derives the status of a batch from the statuses of its runs. The first matching rule
// wins:
//
//  1. no runs: PENDING
//  2. every run COMPLETED: COMPLETED
//  3. every run COMPLETED or READY_FOR_NEXT_STAGE: READY_FOR_NEXT_STAGE
//  4. a FAILED run that will not be retried automatically: FAILED
//  5. every run settled and at least one CANCELLED: CANCELLED
//  6. a PAUSED run and nothing RUNNING or RESUMING: PAUSED
//  7. every run PENDING: PENDING
//  8. otherwise RUNNING
func Aggregate(runs []models.Run) models.Status {
	if len(runs) == 0 {
		return models.StatusPending
	}

	counts := make(map[models.Status]int)
	settled, terminalFailures := 0, 0
	for i := range runs {
		r := &runs[i]
		counts[r.Status]++
		if r.Status.IsSettled() {
			settled++
		}
		if r.Status == models.StatusFailed && !r.HasPendingRetry() {
			terminalFailures++
		}
	}

	n := len(runs)
	completed := counts[models.StatusCompleted]
	ready := counts[models.StatusReadyForNextStage]
	active := counts[models.StatusRunning] + counts[models.StatusResuming]

	switch {
	case completed == n:
		return models.StatusCompleted
	case completed+ready == n:
		return models.StatusReadyForNextStage
	case terminalFailures > 0:
		return models.StatusFailed
	case settled == n && counts[models.StatusCancelled] > 0:
		return models.StatusCancelled
	case counts[models.StatusPaused] > 0 && active == 0:
		return models.StatusPaused
	case counts[models.StatusPending] == n:
		return models.StatusPending
	default:
		return models.StatusRunning
	}
}
