package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/conveyor-ci/conveyor/pipeline"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#22c55e"})
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#ef4444"})
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#a16207", Dark: "#eab308"})
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#4b5563", Dark: "#5a5a70"})
	borderStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#d1d5db", Dark: "#2a2a3a"}).
			Padding(0, 1)
)

// Render formats a run report as a terminal summary.
func Render(r *pipeline.Report) string {
	var b strings.Builder

	header := fmt.Sprintf("%s  run %s", r.Pipeline, r.RunID)
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")
	meta := fmt.Sprintf("environment=%s", r.Params.Environment)
	if r.Tag != "" {
		meta += "  tag=" + r.Tag
	}
	b.WriteString(dimStyle.Render(meta))
	b.WriteString("\n\n")

	nameWidth := 0
	for _, res := range r.Results {
		if len(res.Stage) > nameWidth {
			nameWidth = len(res.Stage)
		}
	}

	for _, res := range r.Results {
		line := fmt.Sprintf("%-*s  %-10s", nameWidth, res.Stage, statusLabel(res.Status))
		switch res.Status {
		case pipeline.StatusSucceeded:
			line = successStyle.Render(line)
		case pipeline.StatusFailed:
			line = failStyle.Render(line)
		case pipeline.StatusAborted:
			line = warnStyle.Render(line)
		default:
			line = dimStyle.Render(line)
		}
		if res.Duration > 0 {
			line += dimStyle.Render("  " + res.Duration.Round(time.Millisecond).String())
		}
		b.WriteString(line)
		b.WriteString("\n")
		if res.Failure != nil {
			b.WriteString(failStyle.Render("  ↳ " + res.Failure.Error()))
			b.WriteString("\n")
		}
		for _, w := range res.Warnings {
			b.WriteString(warnStyle.Render("  ↳ " + w))
			b.WriteString("\n")
		}
	}

	for _, pr := range r.Post {
		if pr.OK {
			continue
		}
		b.WriteString(warnStyle.Render(fmt.Sprintf("cleanup %s failed: %s", pr.Label, pr.Detail)))
		b.WriteString("\n")
	}

	verdict := "VERDICT: " + strings.ToUpper(string(r.Verdict))
	if r.Verdict == pipeline.VerdictSucceeded {
		verdict = successStyle.Bold(true).Render(verdict)
	} else {
		verdict = failStyle.Bold(true).Render(verdict)
	}
	b.WriteString("\n")
	b.WriteString(verdict)

	return borderStyle.Render(b.String())
}

func statusLabel(s pipeline.Status) string {
	return strings.ToUpper(string(s))
}
