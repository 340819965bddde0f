package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const CheckpointVersion = 1

// Checkpoint marks the last resolved item of a run. The fingerprint ties it to the enumeration
// that produced it so a changed dataset or repeat count is caught at resume time.
type Checkpoint struct {
	Version     int       `json:"version"`
	LastKey     ItemKey   `json:"last_key"`
	LastOrdinal int       `json:"last_ordinal"`
	Fingerprint string    `json:"fingerprint"`
	Total       int       `json:"total"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DecodeCheckpoint reads the JSON stored in runs.checkpoint. An empty column decodes to nil.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("could not decode checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: unsupported checkpoint version %d", ErrCheckpointMismatch, cp.Version)
	}
	return &cp, nil
}

func (c *Checkpoint) Encode() ([]byte, error) {
	return json.Marshal(c)
}
