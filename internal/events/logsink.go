package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogSink appends one line per event to the per-pipeline log file at
// <baseDir>/logs/<pipelineName>.log. The file is append-only and shared
// by all runs of the pipeline; each line is prefixed with an ISO-8601
// timestamp.
type LogSink struct {
	mu   sync.Mutex
	path string
}

// NewLogSink creates a sink writing to <baseDir>/logs/<pipelineName>.log.
func NewLogSink(baseDir, pipelineName string) *LogSink {
	return &LogSink{
		path: filepath.Join(baseDir, "logs", pipelineName+".log"),
	}
}

// Path returns the log file location.
func (l *LogSink) Path() string { return l.path }

// Emit appends a formatted line for ev. Write errors are swallowed: the
// log is best-effort and must never affect the run.
func (l *LogSink) Emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s", ev.Timestamp.UTC().Format(time.RFC3339), ev.Type)
	if ev.StageName != "" {
		line += " stage=" + ev.StageName
	}
	if ev.State != nil {
		line += " run=" + ev.State.RunID
	}
	if ev.PRURL != "" {
		line += " pr=" + ev.PRURL
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	fmt.Fprintln(f, line)
}
