package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

func TestLogSink_AppendsLines(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	sink := NewLogSink(baseDir, "nightly")
	assert.Equal(t, filepath.Join(baseDir, "logs", "nightly.log"), sink.Path())

	ts := time.Date(2026, 7, 1, 10, 30, 0, 0, time.UTC)
	sink.Emit(Event{
		Type:      PipelineStarted,
		Timestamp: ts,
		State:     &state.PipelineState{RunID: "r0001"},
	})
	sink.Emit(Event{
		Type:      StageFailed,
		Timestamp: ts.Add(time.Minute),
		StageName: "implement",
		Message:   "exit code 2",
	})

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-07-01T10:30:00Z pipeline.started run=r0001", lines[0])
	assert.Equal(t, "2026-07-01T10:31:00Z stage.failed stage=implement exit code 2", lines[1])
}

func TestLogSink_SharedAcrossRuns(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	ts := time.Now()

	NewLogSink(baseDir, "p").Emit(Event{Type: PipelineStarted, Timestamp: ts})
	NewLogSink(baseDir, "p").Emit(Event{Type: PipelineCompleted, Timestamp: ts})

	data, err := os.ReadFile(filepath.Join(baseDir, "logs", "p.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"), "log is append-only per pipeline name")
}
