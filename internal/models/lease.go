package models

import "time"

// Lease is the exclusive, time-bounded ownership of a run. It lives on the run row as
// (owner_token, lease_acquired_at, lease_heartbeat_at).
type Lease struct {
	RunID       int64
	Owner       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
	Timeout     time.Duration
}

func (l Lease) ExpiresAt() time.Time {
	return l.HeartbeatAt.Add(l.Timeout)
}

func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}
