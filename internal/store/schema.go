package store

import (
	"context"
	"fmt"
	"strings"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS dataset_versions (
    id         {{id}},
    name       TEXT NOT NULL,
    created_at {{ts}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS questions (
    id                 {{id}},
    dataset_version_id BIGINT NOT NULL REFERENCES dataset_versions (id),
    text               TEXT   NOT NULL,
    question_type      TEXT,
    reference_answer   TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_dataset ON questions (dataset_version_id, id)`,
	`CREATE TABLE IF NOT EXISTS batches (
    id                 {{id}},
    name               TEXT    NOT NULL,
    stage              TEXT    NOT NULL,
    dataset_version_id BIGINT  NOT NULL REFERENCES dataset_versions (id),
    source_batch_id    BIGINT REFERENCES batches (id),
    repeat_count       INTEGER NOT NULL DEFAULT 1,
    parameters         TEXT    NOT NULL DEFAULT '{}',
    status             TEXT    NOT NULL,
    signal             TEXT    NOT NULL DEFAULT '',
    resume_count       INTEGER NOT NULL DEFAULT 0,
    pause_time         {{ts}},
    pause_reason       TEXT,
    error_message      TEXT,
    progress           DOUBLE PRECISION,
    created_at         {{ts}}  NOT NULL,
    completed_at       {{ts}},
    last_activity_at   {{ts}}
)`,
	`CREATE TABLE IF NOT EXISTS runs (
    id                 {{id}},
    batch_id           BIGINT  NOT NULL REFERENCES batches (id),
    stage              TEXT    NOT NULL,
    executor_id        TEXT    NOT NULL,
    run_index          INTEGER NOT NULL DEFAULT 0,
    source_run_id      BIGINT REFERENCES runs (id),
    dataset_version_id BIGINT  NOT NULL,
    repeat_count       INTEGER NOT NULL DEFAULT 1,
    parameters         TEXT    NOT NULL DEFAULT '{}',
    status             TEXT    NOT NULL,
    total_items        INTEGER NOT NULL DEFAULT 0,
    completed_items    INTEGER NOT NULL DEFAULT 0,
    failed_items       INTEGER NOT NULL DEFAULT 0,
    last_item_key      TEXT,
    last_item_ordinal  INTEGER,
    progress           DOUBLE PRECISION,
    checkpoint         TEXT,
    resume_count       INTEGER NOT NULL DEFAULT 0,
    pause_time         {{ts}},
    pause_reason       TEXT,
    error_message      TEXT,
    owner_token        TEXT,
    lease_acquired_at  BIGINT,
    lease_heartbeat_at BIGINT,
    last_activity_at   {{ts}},
    dispatched_at      {{ts}},
    consecutive_errors INTEGER NOT NULL DEFAULT 0,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    max_retries        INTEGER NOT NULL DEFAULT 3,
    timeout_seconds    INTEGER NOT NULL DEFAULT 3600,
    auto_resume        BOOLEAN NOT NULL DEFAULT FALSE,
    feeds_next_stage   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         {{ts}}  NOT NULL,
    started_at         {{ts}},
    completed_at       {{ts}}
)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_batch ON runs (batch_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status)`,
	`CREATE TABLE IF NOT EXISTS item_results (
    id            {{id}},
    run_id        BIGINT  NOT NULL REFERENCES runs (id),
    stage         TEXT    NOT NULL,
    item_key      TEXT    NOT NULL,
    ordinal       INTEGER NOT NULL,
    question_id   BIGINT  NOT NULL,
    repeat_index  INTEGER NOT NULL DEFAULT 0,
    answer_id     BIGINT,
    status        TEXT    NOT NULL,
    error_message TEXT,
    payload       TEXT,
    score         DOUBLE PRECISION,
    attempts      INTEGER NOT NULL DEFAULT 1,
    produced_at   {{ts}}  NOT NULL,
    UNIQUE (run_id, item_key)
)`,
	`CREATE TABLE IF NOT EXISTS change_log (
    id          {{id}},
    entity_type TEXT   NOT NULL,
    entity_id   BIGINT NOT NULL,
    field       TEXT   NOT NULL,
    old_value   TEXT,
    new_value   TEXT,
    changed_at  {{ts}} NOT NULL
)`,
}

// Migrate creates the tables if they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	replacer := strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMPTZ",
	)
	if s.isSQLite() {
		replacer = strings.NewReplacer(
			"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{ts}}", "TIMESTAMP",
		)
	}

	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, replacer.Replace(stmt)); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
