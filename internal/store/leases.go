package store

import (
	"context"
	"fmt"
	"time"

	"benchrunner/internal/models"
)

// AcquireLease hands the run to owner if nobody holds it, the current holder's heartbeat is
// older than staleBefore, or owner already holds it. The check and the write are one statement,
// so two concurrent callers can never both succeed.
func (s *Store) AcquireLease(ctx context.Context, runID int64, owner string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE runs
SET owner_token = ?,
    lease_acquired_at = ?,
    lease_heartbeat_at = ?
WHERE id = ?
  AND (owner_token IS NULL OR owner_token = ? OR lease_heartbeat_at IS NULL OR lease_heartbeat_at < ?)`),
		owner, now.UnixMilli(), now.UnixMilli(), runID, owner, staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}

	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, s.q(`SELECT EXISTS (SELECT 1 FROM runs WHERE id = ?)`), runID); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("run %d: %w", runID, models.ErrNotFound)
	}
	return false, nil
}

// RenewLease moves the heartbeat forward. It reports false when owner no longer holds the run.
func (s *Store) RenewLease(ctx context.Context, runID int64, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE runs
SET lease_heartbeat_at = ?,
    last_activity_at = ?
WHERE id = ? AND owner_token = ?`),
		now.UnixMilli(), now, runID, owner,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClearLease drops ownership. It reports false when owner no longer holds the run.
func (s *Store) ClearLease(ctx context.Context, runID int64, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE runs
SET owner_token = NULL,
    lease_acquired_at = NULL,
    lease_heartbeat_at = NULL
WHERE id = ? AND owner_token = ?`),
		runID, owner,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}
