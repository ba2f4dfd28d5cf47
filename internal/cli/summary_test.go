package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

func summaryState(status string) *state.PipelineState {
	cfg := config.PipelineConfig{Name: "demo"}
	config.ApplyDefaults(&cfg)
	return &state.PipelineState{
		RunID:          "r0000000000010000000000000000",
		PipelineConfig: cfg,
		Status:         status,
		Artifacts: state.Artifacts{
			Branch:        "pipeline/demo",
			TotalDuration: 92.4,
		},
		Stages: []state.StageExecution{
			{StageName: "a", Status: state.StageSuccess, CommitSha: "abc"},
			{StageName: "b", Status: state.StageFailed},
		},
	}
}

func TestRenderSummary_Completed(t *testing.T) {
	t.Parallel()

	got := renderSummary(summaryState(state.StatusCompleted))
	assert.Contains(t, got, "completed")
	assert.Contains(t, got, "demo")
	assert.Contains(t, got, "1/2 stages committed")
	assert.Contains(t, got, "1m32s")
}

func TestRenderSummary_FailedShowsBranch(t *testing.T) {
	t.Parallel()

	got := renderSummary(summaryState(state.StatusFailed))
	assert.Contains(t, got, "failed")
	assert.Contains(t, got, "pipeline/demo", "preserved branch shown on failure")
}

func TestRenderSummary_PRWins(t *testing.T) {
	t.Parallel()

	st := summaryState(state.StatusCompleted)
	st.Artifacts.PullRequest = &state.PullRequestRef{
		URL:    "https://example.com/o/r/pull/12",
		Number: 12,
		Branch: "pipeline/demo",
	}
	got := renderSummary(st)
	assert.Contains(t, got, "https://example.com/o/r/pull/12")
}

func TestRenderSummary_LoopContext(t *testing.T) {
	t.Parallel()

	st := summaryState(state.StatusCompleted)
	st.LoopContext = &state.LoopContext{Iteration: 3, MaxIterations: 10, TerminationReason: state.LoopStoppedByStage}
	got := renderSummary(st)
	assert.Contains(t, got, "stopped-by-stage")
	assert.Contains(t, got, "3")
}

func TestRenderSummary_PRErrorFlagged(t *testing.T) {
	t.Parallel()

	st := summaryState(state.StatusPartial)
	st.Artifacts.PRError = "push timed out"
	got := renderSummary(st)
	assert.Contains(t, got, "partial")
	assert.Contains(t, got, "pr-error")
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "500ms", formatDuration(0.5))
	assert.Equal(t, "2s", formatDuration(2))
	assert.Equal(t, "1m32s", formatDuration(92.4))
	assert.Equal(t, "1h0m0s", formatDuration(3600))
}
