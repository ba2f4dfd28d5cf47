package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// Status badge styles for the one-line run summary. Colors follow the
// usual terminal conventions: green success, yellow partial, red failure.
var (
	styleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	stylePartial   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleAborted   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Bold(true)
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// renderSummary produces the one-line terminal summary every terminal
// status gets: status badge, duration, committed stages, and the PR URL
// or preserved workspace branch when applicable.
func renderSummary(st *state.PipelineState) string {
	var badge string
	switch st.Status {
	case state.StatusCompleted:
		badge = styleCompleted.Render("✓ completed")
	case state.StatusPartial:
		badge = stylePartial.Render("◐ partial")
	case state.StatusFailed:
		badge = styleFailed.Render("✗ failed")
	case state.StatusAborted:
		badge = styleAborted.Render("■ aborted")
	default:
		badge = st.Status
	}

	parts := []string{
		fmt.Sprintf("%s %s", badge, st.PipelineConfig.Name),
		styleDim.Render(st.RunID),
		formatDuration(st.Artifacts.TotalDuration),
		fmt.Sprintf("%d/%d stages committed", len(st.CommittedStages()), len(st.Stages)),
	}

	if pr := st.Artifacts.PullRequest; pr != nil {
		parts = append(parts, pr.URL)
	} else if st.Artifacts.Branch != "" && st.Status != state.StatusCompleted {
		parts = append(parts, styleDim.Render("branch "+st.Artifacts.Branch))
	}
	if st.Artifacts.PRError != "" {
		parts = append(parts, styleFailed.Render("pr-error"))
	}
	if lc := st.LoopContext; lc != nil && lc.TerminationReason != "" {
		parts = append(parts, styleDim.Render(fmt.Sprintf("loop: %s after %d", lc.TerminationReason, lc.Iteration)))
	}

	return strings.Join(parts, "  ")
}

// formatDuration renders seconds as a compact human duration.
func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
