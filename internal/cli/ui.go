package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/roach88/stepsync/internal/progress"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

const barWidth = 20

// bar renders a fixed-width completion bar.
func bar(percent int) string {
	percent = max(0, min(100, percent))
	filled := percent * barWidth / 100
	return successStyle.Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", barWidth-filled))
}

// statusMarker is the one-character glyph for a step status.
func statusMarker(s progress.StepStatus) string {
	switch s {
	case progress.StatusCompleted:
		return successStyle.Render("✓")
	case progress.StatusInProgress:
		return warnStyle.Render("●")
	case progress.StatusSkipped:
		return mutedStyle.Render("-")
	default:
		return mutedStyle.Render("○")
	}
}

// renderStatus renders a session and its summary for the terminal.
func renderStatus(s progress.Session, sum progress.Summary, showSteps bool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s\n", boldStyle.Render(s.Key.String()),
		mutedStyle.Render(fmt.Sprintf("(current phase: %s)", s.CurrentPhase)))

	for _, p := range progress.Phases {
		pp := s.Phase(p)
		marker := " "
		if p == s.CurrentPhase {
			marker = accentStyle.Render("▸")
		}
		fmt.Fprintf(&sb, "%s %-13s %s %3d%%  %s\n", marker, p, bar(pp.CompletionPercentage),
			pp.CompletionPercentage, mutedStyle.Render(fmt.Sprintf("%d step(s)", len(pp.Steps))))
		if showSteps {
			for _, st := range pp.Steps {
				fmt.Fprintf(&sb, "      %s %s\n", statusMarker(st.Status), st.StepID)
			}
		}
	}

	fmt.Fprintf(&sb, "\nOverall: %d%% (%d/%d steps completed)", sum.OverallCompletion,
		sum.CompletedStepCount, sum.TotalStepCount)
	if sum.NextStep != nil && sum.NextStepPhase != nil {
		fmt.Fprintf(&sb, "\nNext step: %s/%s", *sum.NextStepPhase, sum.NextStep.StepID)
	}
	if sum.NextPhase != nil {
		fmt.Fprintf(&sb, "\nNext phase: %s", *sum.NextPhase)
	}
	return sb.String()
}

// renderTable renders a bordered table.
func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}
