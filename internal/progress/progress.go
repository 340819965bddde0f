// Package progress derives completion figures from run counters. Nothing here touches storage.
package progress

import (
	"math"
	"time"

	"github.com/guregu/null/v6"

	"benchrunner/internal/models"
)

// Percent is completed/total*100 rounded to two decimals, null when total is not positive
func Percent(completed, total int) null.Float {
	if total <= 0 {
		return null.Float{}
	}
	return null.FloatFrom(math.Round(float64(completed)/float64(total)*10000) / 100)
}

type RunProgress struct {
	RunID      int64         `json:"runId"`
	ExecutorID string        `json:"executorId"`
	RunIndex   int           `json:"runIndex"`
	Status     models.Status `json:"status"`
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Remaining  int           `json:"remaining"`
	Percent    null.Float    `json:"percent"`
	ETA        null.Time     `json:"eta"`
}

// ForRun summarises one run. The ETA extrapolates the processing rate since the run started and
// is only set while the run is active.
func ForRun(run *models.Run, now time.Time) RunProgress {
	p := RunProgress{
		RunID:      run.ID,
		ExecutorID: run.ExecutorID,
		RunIndex:   run.RunIndex,
		Status:     run.Status,
		Total:      run.TotalItems,
		Completed:  run.CompletedItems,
		Failed:     run.FailedItems,
		Remaining:  max(run.TotalItems-run.Processed(), 0),
		Percent:    Percent(run.CompletedItems, run.TotalItems),
	}
	p.ETA = eta(run.StartedAt, run.Processed(), p.Remaining, run.Status.IsActive(), now)
	return p
}

type BatchProgress struct {
	BatchID   int64                 `json:"batchId"`
	Status    models.Status         `json:"status"`
	Total     int                   `json:"total"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	Remaining int                   `json:"remaining"`
	Percent   null.Float            `json:"percent"`
	ByStatus  map[models.Status]int `json:"byStatus"`
	Runs      []RunProgress         `json:"runs"`
}

// ForBatch sums the run counters of a batch
func ForBatch(batch *models.Batch, runs []models.Run, now time.Time) BatchProgress {
	p := BatchProgress{
		BatchID:  batch.ID,
		Status:   batch.Status,
		ByStatus: make(map[models.Status]int),
		Runs:     make([]RunProgress, 0, len(runs)),
	}

	for i := range runs {
		rp := ForRun(&runs[i], now)
		p.Total += rp.Total
		p.Completed += rp.Completed
		p.Failed += rp.Failed
		p.Remaining += rp.Remaining
		p.ByStatus[rp.Status]++
		p.Runs = append(p.Runs, rp)
	}
	p.Percent = Percent(p.Completed, p.Total)
	return p
}

func eta(startedAt null.Time, processed, remaining int, active bool, now time.Time) null.Time {
	if !active || !startedAt.Valid || processed == 0 || remaining == 0 {
		return null.Time{}
	}
	elapsed := now.Sub(startedAt.Time)
	if elapsed <= 0 {
		return null.Time{}
	}
	perItem := elapsed / time.Duration(processed)
	return null.TimeFrom(now.Add(perItem * time.Duration(remaining)))
}
