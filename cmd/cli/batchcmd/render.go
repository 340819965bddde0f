package batchcmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guregu/null/v6"

	"benchrunner/internal/models"
	"benchrunner/internal/progress"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("255"))

	faint = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func statusStyle(s models.Status) lipgloss.Style {
	switch s {
	case models.StatusCompleted, models.StatusReadyForNextStage:
		return doneStyle
	case models.StatusRunning, models.StatusResuming:
		return activeStyle
	case models.StatusPaused, models.StatusCancelled:
		return warningStyle
	case models.StatusFailed:
		return errorStyle
	default:
		return faint
	}
}

func percent(p null.Float) string {
	if !p.Valid {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", p.Float64)
}

// bar draws a fixed width progress bar
func bar(p null.Float, width int) string {
	filled := 0
	if p.Valid {
		filled = int(p.Float64 / 100 * float64(width))
	}
	filled = min(max(filled, 0), width)
	return doneStyle.Render(strings.Repeat("█", filled)) + faint.Render(strings.Repeat("░", width-filled))
}

// cell pads before styling so that escape codes do not break the columns
func cell(style lipgloss.Style, width int, text string) string {
	return style.Render(fmt.Sprintf("%-*s", width, text))
}

func renderBatches(batches []models.Batch) string {
	if len(batches) == 0 {
		return faint.Render("No batches") + "\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-6s %-10s %-22s %-8s %s", "ID", "STAGE", "STATUS", "PROGRESS", "NAME")))
	b.WriteString("\n")
	for _, batch := range batches {
		fmt.Fprintf(&b, "%-6d %-10s %s %-8s %s\n",
			batch.ID,
			batch.Stage,
			cell(statusStyle(batch.Status), 22, string(batch.Status)),
			percent(batch.Progress),
			batch.Name,
		)
	}
	return b.String()
}

func renderProgress(batch *models.Batch, p *progress.BatchProgress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(fmt.Sprintf("Batch %d", batch.ID)), faint.Render(batch.Name))
	fmt.Fprintf(&b, "%s  %s %s  %d/%d done, %d failed\n",
		statusStyle(p.Status).Render(string(p.Status)),
		bar(p.Percent, 30),
		percent(p.Percent),
		p.Completed, p.Total, p.Failed,
	)
	if batch.Signal != models.SignalNone {
		fmt.Fprintf(&b, "%s %s\n", warningStyle.Render("signal:"), batch.Signal)
	}
	if batch.PauseReason.Valid {
		fmt.Fprintf(&b, "%s %s\n", faint.Render("paused:"), batch.PauseReason.String)
	}
	if batch.ErrorMessage.Valid {
		fmt.Fprintf(&b, "%s %s\n", errorStyle.Render("error:"), batch.ErrorMessage.String)
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-6s %-24s %-4s %-22s %-11s %-8s %s", "RUN", "EXECUTOR", "IDX", "STATUS", "DONE", "PERCENT", "ETA")))
	b.WriteString("\n")
	for _, r := range p.Runs {
		eta := "-"
		if r.ETA.Valid {
			eta = r.ETA.Time.Format("15:04:05")
		}
		fmt.Fprintf(&b, "%-6d %-24s %-4d %s %-11s %-8s %s\n",
			r.RunID,
			r.ExecutorID,
			r.RunIndex,
			cell(statusStyle(r.Status), 22, string(r.Status)),
			fmt.Sprintf("%d/%d", r.Completed, r.Total),
			percent(r.Percent),
			eta,
		)
	}
	return b.String()
}
