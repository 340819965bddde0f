package models

import (
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the batch and run models. Both stages share these types, the Stage field
// tells them apart.

// Signal is the cooperative control flag a batch broadcasts to its runs
type Signal string

const (
	SignalNone   Signal = ""
	SignalPause  Signal = "pause"
	SignalCancel Signal = "cancel"
)

// ReasonWorkerShutdown is the pause reason of a run a stopping worker put down. Such runs are
// resumed by recovery whatever their auto resume setting.
const ReasonWorkerShutdown = "worker shutdown"

// Batch is a models representing the `batches` table
type Batch struct {
	ID               int64       `db:"id" json:"id"`
	Name             string      `db:"name" json:"name"`
	Stage            Stage       `db:"stage" json:"stage"`
	DatasetVersionID int64       `db:"dataset_version_id" json:"datasetVersionId"`
	SourceBatchID    null.Int    `db:"source_batch_id" json:"sourceBatchId"`
	RepeatCount      int         `db:"repeat_count" json:"repeatCount"`
	Parameters       Parameters  `db:"parameters" json:"parameters"`
	Status           Status      `db:"status" json:"status"`
	Signal           Signal      `db:"signal" json:"signal"`
	ResumeCount      int         `db:"resume_count" json:"resumeCount"`
	PauseTime        null.Time   `db:"pause_time" json:"pauseTime"`
	PauseReason      null.String `db:"pause_reason" json:"pauseReason"`
	ErrorMessage     null.String `db:"error_message" json:"errorMessage"`
	Progress         null.Float  `db:"progress" json:"progress"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	CompletedAt      null.Time   `db:"completed_at" json:"completedAt"`
	LastActivityAt   null.Time   `db:"last_activity_at" json:"lastActivityAt"`
}

// Run is a models representing the `runs` table. A run is one (batch, executor identity, run
// index) triple: the executor is a model for generation and an evaluator for evaluation.
type Run struct {
	ID               int64       `db:"id" json:"id"`
	BatchID          int64       `db:"batch_id" json:"batchId"`
	Stage            Stage       `db:"stage" json:"stage"`
	ExecutorID       string      `db:"executor_id" json:"executorId"`
	RunIndex         int         `db:"run_index" json:"runIndex"`
	SourceRunID      null.Int    `db:"source_run_id" json:"sourceRunId"`
	DatasetVersionID int64       `db:"dataset_version_id" json:"datasetVersionId"`
	RepeatCount      int         `db:"repeat_count" json:"repeatCount"`
	Parameters       Parameters  `db:"parameters" json:"parameters"`
	Status           Status      `db:"status" json:"status"`
	TotalItems       int         `db:"total_items" json:"totalItems"`
	CompletedItems   int         `db:"completed_items" json:"completedItems"`
	FailedItems      int         `db:"failed_items" json:"failedItems"`
	LastItemKey      null.String `db:"last_item_key" json:"lastItemKey"`
	LastItemOrdinal  null.Int    `db:"last_item_ordinal" json:"lastItemOrdinal"`
	Progress         null.Float  `db:"progress" json:"progress"`
	CheckpointData   []byte      `db:"checkpoint" json:"-"`
	ResumeCount      int         `db:"resume_count" json:"resumeCount"`
	PauseTime        null.Time   `db:"pause_time" json:"pauseTime"`
	PauseReason      null.String `db:"pause_reason" json:"pauseReason"`
	ErrorMessage     null.String `db:"error_message" json:"errorMessage"`
	OwnerToken       null.String `db:"owner_token" json:"ownerToken"`
	LeaseAcquiredAt  null.Int    `db:"lease_acquired_at" json:"-"`
	LeaseHeartbeatAt null.Int    `db:"lease_heartbeat_at" json:"-"`
	LastActivityAt   null.Time   `db:"last_activity_at" json:"lastActivityAt"`
	DispatchedAt     null.Time   `db:"dispatched_at" json:"dispatchedAt"`
	ConsecutiveErrs  int         `db:"consecutive_errors" json:"consecutiveErrors"`
	RetryCount       int         `db:"retry_count" json:"retryCount"`
	MaxRetries       int         `db:"max_retries" json:"maxRetries"`
	TimeoutSeconds   int         `db:"timeout_seconds" json:"timeoutSeconds"`
	AutoResume       bool        `db:"auto_resume" json:"autoResume"`
	FeedsNextStage   bool        `db:"feeds_next_stage" json:"feedsNextStage"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	StartedAt        null.Time   `db:"started_at" json:"startedAt"`
	CompletedAt      null.Time   `db:"completed_at" json:"completedAt"`
}

// Transition moves the run to the next status and maintains the timestamps and fields that go
// with it. It does not persist anything.
func (r *Run) Transition(to Status, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return invalidTransition(r.Status, to)
	}

	from := r.Status
	r.Status = to
	r.LastActivityAt = null.TimeFrom(now)

	switch to {
	case StatusRunning:
		if !r.StartedAt.Valid {
			r.StartedAt = null.TimeFrom(now)
		}
		r.PauseReason = null.String{}
	case StatusResuming:
		r.ResumeCount++
	case StatusPending:
		// re-arm of a failed run, a new logical attempt from the persisted checkpoint
		if from == StatusFailed {
			r.ResumeCount++
			r.ConsecutiveErrs = 0
			r.ErrorMessage = null.String{}
			r.CompletedAt = null.Time{}
		}
	case StatusReadyForNextStage, StatusCompleted, StatusFailed, StatusCancelled:
		r.CompletedAt = null.TimeFrom(now)
	}
	return nil
}

// Pause moves the run to PAUSED and records why
func (r *Run) Pause(reason string, now time.Time) error {
	if err := r.Transition(StatusPaused, now); err != nil {
		return err
	}
	r.PauseTime = null.TimeFrom(now)
	r.PauseReason = null.StringFrom(reason)
	return nil
}

// Fail moves the run to FAILED and records the error. Failure never touches the pause fields.
func (r *Run) Fail(message string, now time.Time) error {
	if err := r.Transition(StatusFailed, now); err != nil {
		return err
	}
	r.ErrorMessage = null.StringFrom(message)
	return nil
}

// Checkpoint decodes the persisted checkpoint, nil when the run has not resolved any item
func (r *Run) Checkpoint() (*Checkpoint, error) {
	return DecodeCheckpoint(r.CheckpointData)
}

// ApplyCheckpoint stores cp on the run together with the denormalised last-processed columns
func (r *Run) ApplyCheckpoint(cp *Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}
	r.CheckpointData = data
	r.LastItemKey = null.StringFrom(cp.LastKey.String())
	r.LastItemOrdinal = null.IntFrom(int64(cp.LastOrdinal))
	return nil
}

// Processed is the number of resolved items, successful or not
func (r *Run) Processed() int {
	return r.CompletedItems + r.FailedItems
}

// HasPendingRetry is true for a failed run the scanner will re-arm on its own
func (r *Run) HasPendingRetry() bool {
	return r.Status == StatusFailed && r.AutoResume && r.RetryCount < r.MaxRetries
}

// Lease returns the lease currently recorded on the run, if any
func (r *Run) Lease(timeout time.Duration) (Lease, bool) {
	if !r.OwnerToken.Valid || !r.LeaseHeartbeatAt.Valid {
		return Lease{}, false
	}
	return Lease{
		RunID:       r.ID,
		Owner:       r.OwnerToken.String,
		AcquiredAt:  time.UnixMilli(r.LeaseAcquiredAt.Int64).UTC(),
		HeartbeatAt: time.UnixMilli(r.LeaseHeartbeatAt.Int64).UTC(),
		Timeout:     timeout,
	}, true
}
