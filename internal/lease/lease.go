// Package lease grants exclusive, time-bounded ownership of a run. A lease is held as long as
// its heartbeat keeps moving; once the heartbeat is older than the timeout any other owner may
// take the run over and every write of the previous holder is rejected by the store.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/models"
)

// Store is the persistence the manager needs. store.Store implements it.
type Store interface {
	AcquireLease(ctx context.Context, runID int64, owner string, now, staleBefore time.Time) (bool, error)
	RenewLease(ctx context.Context, runID int64, owner string, now time.Time) (bool, error)
	ClearLease(ctx context.Context, runID int64, owner string) (bool, error)
}

type Manager struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, timeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewOwner returns a fresh owner token
func NewOwner() string {
	return uuid.New().String()
}

func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Acquire takes the lease of the run for owner. It fails with models.ErrLeaseConflict while
// another owner's lease is still live.
func (m *Manager) Acquire(ctx context.Context, runID int64, owner string) (models.Lease, error) {
	now := m.now()
	ok, err := m.store.AcquireLease(ctx, runID, owner, now, now.Add(-m.timeout))
	if err != nil {
		return models.Lease{}, fmt.Errorf("could not acquire lease on run %d: %w", runID, err)
	}
	if !ok {
		return models.Lease{}, fmt.Errorf("run %d: %w", runID, models.ErrLeaseConflict)
	}

	return models.Lease{RunID: runID, Owner: owner, AcquiredAt: now, HeartbeatAt: now, Timeout: m.timeout}, nil
}

// Heartbeat extends the lease. It fails with models.ErrLeaseLost once the run has moved to
// another owner.
func (m *Manager) Heartbeat(ctx context.Context, l models.Lease) (models.Lease, error) {
	now := m.now()
	ok, err := m.store.RenewLease(ctx, l.RunID, l.Owner, now)
	if err != nil {
		return l, fmt.Errorf("could not renew lease on run %d: %w", l.RunID, err)
	}
	if !ok {
		return l, fmt.Errorf("run %d owner %s: %w", l.RunID, l.Owner, models.ErrLeaseLost)
	}

	l.HeartbeatAt = now
	return l, nil
}

// Release gives the run up
func (m *Manager) Release(ctx context.Context, l models.Lease) error {
	ok, err := m.store.ClearLease(ctx, l.RunID, l.Owner)
	if err != nil {
		return fmt.Errorf("could not release lease on run %d: %w", l.RunID, err)
	}
	if !ok {
		return fmt.Errorf("run %d owner %s: %w", l.RunID, l.Owner, models.ErrLeaseLost)
	}
	return nil
}

// Keep sends a heartbeat every interval until stop is called. The returned context is
// cancelled with cause models.ErrLeaseLost as soon as a heartbeat is rejected. Failed store
// calls are logged and retried on the next tick.
func (m *Manager) Keep(ctx context.Context, l models.Lease, interval time.Duration) (context.Context, func()) {
	kctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
				next, err := m.Heartbeat(kctx, l)
				switch {
				case err == nil:
					l = next
				case errors.Is(err, models.ErrLeaseLost):
					log.Warn().Int64("run_id", l.RunID).Str("owner", l.Owner).Msg("Lease lost, stopping run")
					cancel(models.ErrLeaseLost)
					return
				default:
					log.Error().Err(err).Int64("run_id", l.RunID).Str("owner", l.Owner).Msg("Could not send heartbeat")
				}
			}
		}
	}()

	return kctx, func() {
		cancel(context.Canceled)
		<-done
	}
}
