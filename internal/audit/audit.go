// Package audit is the change-log hook. Status transitions of batches and runs are reported here;
// recording is fire-and-forget and never on the processing path.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	EntityBatch = "batch"
	EntityRun   = "run"
)

type Change struct {
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   int64     `db:"entity_id" json:"entityId"`
	Field      string    `db:"field" json:"field"`
	OldValue   string    `db:"old_value" json:"oldValue"`
	NewValue   string    `db:"new_value" json:"newValue"`
	ChangedAt  time.Time `db:"changed_at" json:"changedAt"`
}

// Recorder receives changes
type Recorder interface {
	RecordChange(ctx context.Context, change Change) error
}

// StatusChange builds the change emitted on a status transition
func StatusChange[S ~string](entityType string, id int64, from, to S, at time.Time) Change {
	return Change{
		EntityType: entityType,
		EntityID:   id,
		Field:      "status",
		OldValue:   string(from),
		NewValue:   string(to),
		ChangedAt:  at,
	}
}

// LogRecorder writes changes to the structured log
type LogRecorder struct{}

func (LogRecorder) RecordChange(_ context.Context, c Change) error {
	log.Info().
		Str("entity", c.EntityType).
		Int64("entity_id", c.EntityID).
		Str("field", c.Field).
		Str("old", c.OldValue).
		Str("new", c.NewValue).
		Msg("Recorded change")
	return nil
}

// Nop discards changes
type Nop struct{}

func (Nop) RecordChange(context.Context, Change) error { return nil }

// Multi forwards a change to every recorder and joins their errors
type Multi []Recorder

func (m Multi) RecordChange(ctx context.Context, c Change) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordChange(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands changes to a background goroutine. When the buffer is full the change is dropped
// and logged rather than blocking the caller.
type Async struct {
	next    Recorder
	changes chan Change
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAsync(next Recorder, buffer int) *Async {
	a := &Async{next: next, changes: make(chan Change, buffer)}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer a.wg.Done()
	for c := range a.changes {
		if err := a.next.RecordChange(context.Background(), c); err != nil {
			log.Warn().Err(err).Str("entity", c.EntityType).Int64("entity_id", c.EntityID).Msg("Could not record change")
		}
	}
}

func (a *Async) RecordChange(_ context.Context, c Change) error {
	select {
	case a.changes <- c:
	default:
		log.Warn().Str("entity", c.EntityType).Int64("entity_id", c.EntityID).Msg("Change log buffer full, dropping change")
	}
	return nil
}

// Close flushes pending changes and stops the background goroutine
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.changes)
	})
	a.wg.Wait()
}
