package models

import (
	"fmt"
	"slices"
)

// Stage identifies which half of the benchmark pipeline a batch or run belongs to
type Stage string

const (
	StageGeneration Stage = "generation"
	StageEvaluation Stage = "evaluation"
)

func (s Stage) Valid() bool {
	return s == StageGeneration || s == StageEvaluation
}

// Status is shared by batches and runs of both stages
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusRunning           Status = "RUNNING"
	StatusPaused            Status = "PAUSED"
	StatusResuming          Status = "RESUMING"
	StatusReadyForNextStage Status = "READY_FOR_NEXT_STAGE"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning:           {StatusRunning, StatusPaused, StatusReadyForNextStage, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:            {StatusResuming, StatusCancelled},
	StatusResuming:          {StatusRunning, StatusFailed, StatusPaused, StatusCancelled},
	StatusReadyForNextStage: {StatusCompleted},
	StatusFailed:            {StatusPending},
}

// CanTransition reports whether moving from s to next is allowed
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// IsTerminal is true for statuses that no processor will advance any further. A FAILED run is
// terminal until it is explicitly re-armed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsSettled is true when the work of a run is finished, whether or not a later stage will
// pick its output up
func (s Status) IsSettled() bool {
	return s == StatusCompleted || s == StatusReadyForNextStage || s == StatusCancelled
}

// IsActive is true for statuses in which a processor may be holding the run
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusResuming
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusCompleted || s == StatusCancelled
}

// FinishedStatus is the status a run of the given stage takes once its partition is exhausted
func FinishedStatus(feedsNextStage bool) Status {
	if feedsNextStage {
		return StatusReadyForNextStage
	}
	return StatusCompleted
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
