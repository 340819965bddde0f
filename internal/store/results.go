package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"benchrunner/internal/models"
)

// CommitItem persists the outcome of one item together with the run's counters, checkpoint and
// status. Both writes land or neither does. The run update goes first, so a stale owner is
// rejected before it can insert a result. result may be nil when the item was skipped.
func (s *Store) CommitItem(ctx context.Context, lease models.Lease, run *models.Run, result *models.ItemResult) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateLeasedRun(ctx, s, tx, lease, run); err != nil {
			return err
		}
		if result == nil {
			return nil
		}

		err := tx.QueryRowxContext(ctx, s.q(`
INSERT INTO item_results (run_id, stage, item_key, ordinal, question_id, repeat_index, answer_id, status,
                          error_message, payload, score, attempts, produced_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, item_key) DO NOTHING
RETURNING id`),
			result.RunID, result.Stage, result.ItemKey, result.Ordinal, result.QuestionID, result.RepeatIndex,
			result.AnswerID, result.Status, result.ErrorMessage, result.Payload, result.Score, result.Attempts,
			result.ProducedAt,
		).Scan(&result.ID)
		if errors.Is(err, sql.ErrNoRows) {
			// already recorded by an earlier attempt, keep the first row
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not insert result %s for run %d: %w", result.ItemKey, result.RunID, err)
		}
		return nil
	})
}

func (s *Store) ResultExists(ctx context.Context, runID int64, key models.ItemKey) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		s.q(`SELECT EXISTS (SELECT 1 FROM item_results WHERE run_id = ? AND item_key = ?)`), runID, key.String(),
	); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) GetResult(ctx context.Context, runID int64, key models.ItemKey) (*models.ItemResult, error) {
	var result models.ItemResult
	if err := s.db.GetContext(ctx, &result,
		s.q(`SELECT * FROM item_results WHERE run_id = ? AND item_key = ?`), runID, key.String(),
	); err != nil {
		return nil, fmt.Errorf("result %s of run %d: %w", key, runID, notFound(err))
	}
	return &result, nil
}

// ListResults returns the results of a run in processing order
func (s *Store) ListResults(ctx context.Context, runID int64) ([]models.ItemResult, error) {
	var results []models.ItemResult
	if err := s.db.SelectContext(ctx, &results,
		s.q(`SELECT * FROM item_results WHERE run_id = ? ORDER BY ordinal, id`), runID,
	); err != nil {
		return nil, err
	}
	return results, nil
}
