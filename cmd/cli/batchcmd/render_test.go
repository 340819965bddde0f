package batchcmd

import (
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"benchrunner/internal/models"
	"benchrunner/internal/progress"
)

func TestBatchFile(t *testing.T) {
	data := `
name: nightly
dataset_version_id: 3
models: [gpt-4o, claude-sonnet]
runs_per_model: 2
repeat_count: 5
max_retries: 1
auto_resume: true
parameters:
  temperature: 0.2
  system_prompt: be brief
`
	var f batchFile
	require.NoError(t, yaml.Unmarshal([]byte(data), &f))

	req := f.request()
	assert.Equal(t, "nightly", req.Name)
	assert.Equal(t, int64(3), req.DatasetVersionID)
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, req.Models)
	assert.Equal(t, 2, req.RunsPerModel)
	assert.Equal(t, 5, req.RepeatCount)
	assert.Equal(t, null.IntFrom(1), req.MaxRetries)
	assert.False(t, req.TimeoutSeconds.Valid)
	assert.Equal(t, null.BoolFrom(true), req.AutoResume)
	assert.Equal(t, null.FloatFrom(0.2), req.Parameters.Temperature)
	assert.False(t, req.Parameters.MaxTokens.Valid)
	assert.Equal(t, "be brief", req.Parameters.SystemPrompt)
}

func TestReadRequest_NoFile(t *testing.T) {
	req, err := readRequest("")
	require.NoError(t, err)
	assert.Empty(t, req.Name)

	_, err = readRequest("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, arg := range []string{"", "0", "-3", "abc"} {
		_, err := parseID(arg)
		assert.Error(t, err, arg)
	}
}

func TestRenderProgress(t *testing.T) {
	batch := &models.Batch{ID: 7, Name: "nightly", Signal: models.SignalPause, PauseReason: null.StringFrom("maintenance")}
	p := &progress.BatchProgress{
		BatchID:   7,
		Status:    models.StatusPaused,
		Total:     10,
		Completed: 4,
		Percent:   null.FloatFrom(40),
		Runs: []progress.RunProgress{
			{RunID: 1, ExecutorID: "gpt-4o", Status: models.StatusPaused, Total: 10, Completed: 4, Percent: null.FloatFrom(40)},
		},
	}

	out := renderProgress(batch, p)
	assert.Contains(t, out, "Batch 7")
	assert.Contains(t, out, "4/10")
	assert.Contains(t, out, "40.0%")
	assert.Contains(t, out, "maintenance")
	assert.Contains(t, out, "gpt-4o")
}

func TestRenderBatches(t *testing.T) {
	assert.Contains(t, renderBatches(nil), "No batches")

	out := renderBatches([]models.Batch{{ID: 3, Name: "smoke", Stage: models.StageGeneration, Status: models.StatusRunning}})
	assert.Contains(t, out, "smoke")
	assert.Contains(t, out, "generation")
	assert.Contains(t, out, "-")
}
