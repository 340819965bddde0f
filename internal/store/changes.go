package store

import (
	"context"

	"benchrunner/internal/audit"
)

var _ audit.Recorder = (*Store)(nil)

// RecordChange appends to the change_log table
func (s *Store) RecordChange(ctx context.Context, c audit.Change) error {
	if c.ChangedAt.IsZero() {
		c.ChangedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO change_log (entity_type, entity_id, field, old_value, new_value, changed_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		c.EntityType, c.EntityID, c.Field, c.OldValue, c.NewValue, c.ChangedAt,
	)
	return err
}

// ListChanges returns the change log of one entity, oldest first
func (s *Store) ListChanges(ctx context.Context, entityType string, entityID int64) ([]audit.Change, error) {
	var changes []audit.Change
	if err := s.db.SelectContext(ctx, &changes, s.q(`
SELECT entity_type, entity_id, field, COALESCE(old_value, '') AS old_value, COALESCE(new_value, '') AS new_value, changed_at
FROM change_log
WHERE entity_type = ? AND entity_id = ?
ORDER BY id`), entityType, entityID); err != nil {
		return nil, err
	}
	return changes, nil
}
