package store

import (
	"context"
	"fmt"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"

	"benchrunner/internal/models"
)

// runMutableColumns are the columns only the lease holder writes, in the order runMutableArgs
// returns them
const runMutableColumns = `
    status = ?,
    total_items = ?,
    completed_items = ?,
    failed_items = ?,
    last_item_key = ?,
    last_item_ordinal = ?,
    progress = ?,
    checkpoint = ?,
    resume_count = ?,
    pause_time = ?,
    pause_reason = ?,
    error_message = ?,
    last_activity_at = ?,
    consecutive_errors = ?,
    retry_count = ?,
    started_at = ?,
    completed_at = ?`

func runMutableArgs(r *models.Run) []any {
	var checkpoint null.String
	if len(r.CheckpointData) > 0 {
		checkpoint = null.StringFrom(string(r.CheckpointData))
	}

	return []any{
		r.Status, r.TotalItems, r.CompletedItems, r.FailedItems, r.LastItemKey, r.LastItemOrdinal, r.Progress,
		checkpoint, r.ResumeCount, r.PauseTime, r.PauseReason, r.ErrorMessage, r.LastActivityAt, r.ConsecutiveErrs,
		r.RetryCount, r.StartedAt, r.CompletedAt,
	}
}

func (s *Store) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	var run models.Run
	if err := s.db.GetContext(ctx, &run, s.q(`SELECT * FROM runs WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("run %d: %w", id, notFound(err))
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, batchID int64) ([]models.Run, error) {
	var runs []models.Run
	if err := s.db.SelectContext(ctx, &runs, s.q(`SELECT * FROM runs WHERE batch_id = ? ORDER BY id`), batchID); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunsByStatus returns the runs of every batch currently in one of the given statuses
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM runs WHERE status IN (?) ORDER BY id`, statuses)
	if err != nil {
		return nil, err
	}

	var runs []models.Run
	if err := s.db.SelectContext(ctx, &runs, s.q(query), args...); err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRun saves the run on behalf of the lease holder. It fails with models.ErrLeaseLost when
// the lease has moved to another owner.
func (s *Store) UpdateRun(ctx context.Context, lease models.Lease, run *models.Run) error {
	return updateLeasedRun(ctx, s, s.db, lease, run)
}

func updateLeasedRun(ctx context.Context, s *Store, db sqlx.ExecerContext, lease models.Lease, run *models.Run) error {
	args := append(runMutableArgs(run), run.ID, lease.Owner)
	res, err := db.ExecContext(ctx, s.q(`UPDATE runs SET`+runMutableColumns+`
WHERE id = ? AND owner_token = ?`), args...)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("run %d owner %s: %w", run.ID, lease.Owner, models.ErrLeaseLost)
	}
	return nil
}

// UpdateIdleRun saves a run nobody holds a lease on, provided it is still in the expected
// status. Control operations use it for runs that are not being processed. It reports false
// when the run was picked up or changed in the meantime.
func (s *Store) UpdateIdleRun(ctx context.Context, run *models.Run, expected models.Status) (bool, error) {
	args := append(runMutableArgs(run), run.ID, expected)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET`+runMutableColumns+`
WHERE id = ? AND status = ? AND owner_token IS NULL`), args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkDispatched records that a message was published for the runs
func (s *Store) MarkDispatched(ctx context.Context, runIDs ...int64) error {
	if len(runIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`UPDATE runs SET dispatched_at = ? WHERE id IN (?)`, s.now(), runIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(query), args...)
	return err
}
