package models

import "errors"

var (
	// ErrPartitionUnavailable means the items of a run cannot be enumerated. Fatal to the run.
	ErrPartitionUnavailable = errors.New("partition unavailable")

	// ErrLeaseConflict means another owner holds a live lease on the run
	ErrLeaseConflict = errors.New("run is leased by another owner")

	// ErrAlreadyRunning is returned by processors that could not get the lease
	ErrAlreadyRunning = ErrLeaseConflict

	// ErrLeaseLost means the owner token no longer matches. The holder must stop writing.
	ErrLeaseLost = errors.New("lease lost")

	ErrItemTransient = errors.New("transient item error")
	ErrItemPermanent = errors.New("permanent item error")

	// ErrRunFatal means the consecutive error threshold was exceeded
	ErrRunFatal = errors.New("run failed")

	// ErrCheckpointMismatch means a stored checkpoint does not belong to the current enumeration
	ErrCheckpointMismatch = errors.New("checkpoint does not match partition")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
)
