package queue_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/models"
	"benchrunner/internal/queue"
)

func TestDecodeMessage(t *testing.T) {
	enqueued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	valid, err := json.Marshal(queue.RunMessage{RunID: 7, BatchID: 2, Stage: models.StageEvaluation, EnqueuedAt: enqueued})
	require.NoError(t, err)

	tests := []struct {
		name           string
		data           string
		expected       *queue.RunMessage
		errorSubstring string
	}{
		{
			name:     "valid message",
			data:     string(valid),
			expected: &queue.RunMessage{RunID: 7, BatchID: 2, Stage: models.StageEvaluation, EnqueuedAt: enqueued},
		},
		{
			name:           "not json",
			data:           "run 7",
			errorSubstring: "could not parse message",
		},
		{
			name:           "missing run id",
			data:           `{"batch_id": 2}`,
			errorSubstring: "no run id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := queue.DecodeMessage([]byte(tt.data))
			if tt.errorSubstring != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorSubstring)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, msg)
		})
	}
}

func TestInterruptKey(t *testing.T) {
	assert.Equal(t, "batch:interrupt:42", queue.InterruptKey(42))
}
