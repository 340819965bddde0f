package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"benchrunner/internal/models"
)

// CreateBatch inserts the batch and its runs. The ids are written back into the given structs.
func (s *Store) CreateBatch(ctx context.Context, batch *models.Batch, runs []*models.Run) error {
	now := s.now()
	batch.CreatedAt = now

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, s.q(`
INSERT INTO batches (name, stage, dataset_version_id, source_batch_id, repeat_count, parameters, status, signal,
                     resume_count, progress, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
RETURNING id`),
			batch.Name, batch.Stage, batch.DatasetVersionID, batch.SourceBatchID, batch.RepeatCount, batch.Parameters,
			batch.Status, batch.Signal, batch.Progress, batch.CreatedAt, batch.LastActivityAt,
		).Scan(&batch.ID); err != nil {
			return fmt.Errorf("could not insert batch: %w", err)
		}

		for _, run := range runs {
			run.BatchID = batch.ID
			run.CreatedAt = now
			if err := insertRun(ctx, s, tx, run); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRun(ctx context.Context, s *Store, tx *sqlx.Tx, run *models.Run) error {
	if err := tx.QueryRowxContext(ctx, s.q(`
INSERT INTO runs (batch_id, stage, executor_id, run_index, source_run_id, dataset_version_id, repeat_count, parameters,
                  status, total_items, completed_items, failed_items, resume_count, consecutive_errors, retry_count,
                  max_retries, timeout_seconds, auto_resume, feeds_next_stage, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?, ?, ?, ?, ?)
RETURNING id`),
		run.BatchID, run.Stage, run.ExecutorID, run.RunIndex, run.SourceRunID, run.DatasetVersionID, run.RepeatCount,
		run.Parameters, run.Status, run.TotalItems, run.MaxRetries, run.TimeoutSeconds, run.AutoResume,
		run.FeedsNextStage, run.CreatedAt,
	).Scan(&run.ID); err != nil {
		return fmt.Errorf("could not insert run for %s: %w", run.ExecutorID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.GetContext(ctx, &batch, s.q(`SELECT * FROM batches WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("batch %d: %w", id, notFound(err))
	}
	return &batch, nil
}

// ListBatches returns the batches in any of the given statuses, all batches when none is given
func (s *Store) ListBatches(ctx context.Context, statuses ...models.Status) ([]models.Batch, error) {
	query := `SELECT * FROM batches`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id`

	var batches []models.Batch
	if err := s.db.SelectContext(ctx, &batches, s.q(query), args...); err != nil {
		return nil, err
	}
	return batches, nil
}

// UpdateBatchControl writes the control fields of a batch. The write only lands while the stored
// signal is still expected, so two control operations cannot silently overwrite each other.
func (s *Store) UpdateBatchControl(ctx context.Context, batch *models.Batch, expected models.Signal) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE batches
SET signal = ?,
    resume_count = ?,
    pause_time = ?,
    pause_reason = ?,
    last_activity_at = ?
WHERE id = ? AND signal = ?`),
		batch.Signal, batch.ResumeCount, batch.PauseTime, batch.PauseReason, batch.LastActivityAt,
		batch.ID, expected,
	)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: batch %d is missing or its signal is no longer %q", models.ErrInvalidTransition, batch.ID, expected)
	}
	return nil
}

// UpdateBatchAggregate writes the fields derived from the runs of a batch and nothing else. A
// null last activity keeps the stored one.
func (s *Store) UpdateBatchAggregate(ctx context.Context, batch *models.Batch) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE batches
SET status = ?,
    progress = ?,
    completed_at = ?,
    error_message = ?,
    last_activity_at = COALESCE(?, last_activity_at)
WHERE id = ?`),
		batch.Status, batch.Progress, batch.CompletedAt, batch.ErrorMessage, batch.LastActivityAt, batch.ID,
	)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("batch %d: %w", batch.ID, models.ErrNotFound)
	}
	return nil
}

// Signal returns the control flag currently set on the batch
func (s *Store) Signal(ctx context.Context, batchID int64) (models.Signal, error) {
	var signal models.Signal
	if err := s.db.GetContext(ctx, &signal, s.q(`SELECT signal FROM batches WHERE id = ?`), batchID); err != nil {
		return models.SignalNone, fmt.Errorf("batch %d: %w", batchID, notFound(err))
	}
	return signal, nil
}
