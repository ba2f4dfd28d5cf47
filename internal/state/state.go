// Package state defines the durable record of a pipeline run and the store
// that persists it. The PipelineState is owned by the run coordinator for
// the duration of a run; everything else observes snapshots.
package state

import (
	"encoding/json"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
)

// Pipeline run statuses. Transitions: pending -> running -> one of the
// terminal statuses {completed, partial, failed, aborted}.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Stage execution statuses.
const (
	StagePending = "pending"
	StageRunning = "running"
	StageSuccess = "success"
	StageFailed  = "failed"
	StageSkipped = "skipped"
)

// Loop termination reasons recorded in LoopContext.
const (
	LoopCompleted      = "completed"
	LoopLimitReached   = "limit-reached"
	LoopStoppedByStage = "stopped-by-stage"
	LoopAborted        = "aborted"
)

// PipelineState is the durable record of one run. It is persisted as JSON
// after every observable transition and reloaded byte-equivalent.
type PipelineState struct {
	// RunID uniquely identifies the run; time-sortable.
	RunID string `json:"runId"`

	// PipelineConfig is the snapshot of the config this run used.
	PipelineConfig config.PipelineConfig `json:"pipelineConfig"`

	// ConfigHash is the xxhash64 fingerprint of the canonical config
	// snapshot, hex-encoded. Runs of the same config version share it.
	ConfigHash string `json:"configHash,omitempty"`

	// Trigger describes what initiated the run.
	Trigger Trigger `json:"trigger"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// Status is one of the pipeline run statuses above.
	Status string `json:"status"`

	// Stages holds one StageExecution per executed or skipped stage, in
	// completion order within a group and group order across groups.
	Stages []StageExecution `json:"stages"`

	// Artifacts aggregates run-level outputs.
	Artifacts Artifacts `json:"artifacts"`

	// LoopContext is present when the pipeline loops.
	LoopContext *LoopContext `json:"loopContext,omitempty"`
}

// Trigger records what initiated a run.
type Trigger struct {
	Type      string    `json:"type"`
	CommitSha string    `json:"commitSha,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifacts aggregates the run-level outputs of a pipeline.
type Artifacts struct {
	InitialCommit string `json:"initialCommit,omitempty"`
	FinalCommit   string `json:"finalCommit,omitempty"`

	// ChangedFiles aggregates changed paths across stages, deduplicated,
	// in first-seen order.
	ChangedFiles []string `json:"changedFiles,omitempty"`

	// HandoverDir is where stage outputs were written.
	HandoverDir string `json:"handoverDir,omitempty"`

	// MainRepoHandoverDir mirrors HandoverDir in the primary checkout
	// when the run executed in an isolated workspace.
	MainRepoHandoverDir string `json:"mainRepoHandoverDir,omitempty"`

	// Branch is the pipeline branch the run executed on.
	Branch string `json:"branch,omitempty"`

	// TotalDuration is the wall-clock run duration in seconds.
	TotalDuration float64 `json:"totalDuration,omitempty"`

	// PullRequest is set when a PR was created for this run.
	PullRequest *PullRequestRef `json:"pullRequest,omitempty"`

	// PRError records the last PR-creation error; never fatal.
	PRError string `json:"prError,omitempty"`
}

// PullRequestRef identifies a created pull request.
type PullRequestRef struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	Branch string `json:"branch"`
}

// LoopContext records the outer loop's progress for a looping pipeline.
type LoopContext struct {
	Iteration         int    `json:"iteration"`
	MaxIterations     int    `json:"maxIterations"`
	TerminationReason string `json:"terminationReason,omitempty"`
}

// StageExecution records one attempted execution of one stage. It is
// created by the stage executor, handed to the coordinator, and never
// mutated after completion.
type StageExecution struct {
	StageName string `json:"stageName"`
	Status    string `json:"status"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	// Duration is seconds, fractional.
	Duration float64 `json:"duration"`

	// CommitSha is absent when the stage made no file changes.
	CommitSha string `json:"commitSha,omitempty"`

	// ChangedFiles lists the paths this stage's commit touched.
	ChangedFiles []string `json:"changedFiles,omitempty"`

	// Outputs holds the declared structured outputs the stage reported.
	Outputs map[string]any `json:"outputs,omitempty"`

	// ExtractedData holds any other key/value data the stage reported.
	ExtractedData map[string]string `json:"extractedData,omitempty"`

	// RetryAttempt is the 0-indexed attempt number of the final attempt.
	RetryAttempt int `json:"retryAttempt"`
	MaxRetries   int `json:"maxRetries"`

	Error *StageError `json:"error,omitempty"`

	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`

	// LogPath is where the per-stage transcript was written.
	LogPath string `json:"logPath,omitempty"`
}

// StageError records why a stage attempt failed. Category is one of the
// error-category constants in the engine package.
type StageError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsage captures the runtime's reported token accounting for a stage.
type TokenUsage struct {
	EstimatedInput int `json:"estimated_input,omitempty"`
	ActualInput    int `json:"actual_input,omitempty"`
	Output         int `json:"output,omitempty"`
	CacheRead      int `json:"cache_read,omitempty"`
	CacheCreation  int `json:"cache_creation,omitempty"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
	NumTurns       int `json:"num_turns,omitempty"`
}

// New creates a PipelineState in pending status with an empty stage list.
// Stages is initialized non-nil so JSON serialization produces [] rather
// than null and the save/load round trip stays byte-equivalent.
func New(runID string, cfg config.PipelineConfig, trigger Trigger, start time.Time) *PipelineState {
	return &PipelineState{
		RunID:          runID,
		PipelineConfig: cfg,
		Trigger:        trigger,
		StartTime:      start,
		Status:         StatusPending,
		Stages:         []StageExecution{},
	}
}

// Stage returns the recorded execution for the named stage, or nil.
func (s *PipelineState) Stage(name string) *StageExecution {
	for i := range s.Stages {
		if s.Stages[i].StageName == name {
			return &s.Stages[i]
		}
	}
	return nil
}

// CommittedStages returns the executions that produced a commit, in
// recorded order.
func (s *PipelineState) CommittedStages() []StageExecution {
	var out []StageExecution
	for _, se := range s.Stages {
		if se.CommitSha != "" {
			out = append(out, se)
		}
	}
	return out
}

// HasCommits reports whether any stage produced a commit.
func (s *PipelineState) HasCommits() bool {
	return len(s.CommittedStages()) > 0
}

// Clone returns a deep copy of the state via a JSON round trip. Snapshots
// handed to observers and event subscribers are clones so readers can never
// mutate the coordinator's copy.
func (s *PipelineState) Clone() *PipelineState {
	data, err := json.Marshal(s)
	if err != nil {
		// A PipelineState is always JSON-marshallable; this guards against
		// future fields breaking that property.
		panic("state: clone marshal: " + err.Error())
	}
	var out PipelineState
	if err := json.Unmarshal(data, &out); err != nil {
		panic("state: clone unmarshal: " + err.Error())
	}
	return &out
}

// IsTerminal reports whether status is one of the terminal run statuses.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusPartial, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Aggregate computes the run status from stage outcomes per the completion
// aggregation rules. It is a total function of the stage multiset,
// failureStrategy, and the aborted flag:
//
//   - aborted wins over everything;
//   - any failed stage with failureStrategy=stop means failed;
//   - any failed stage with failureStrategy=continue means partial;
//   - otherwise completed (including the empty stage list).
func Aggregate(stages []StageExecution, failureStrategy string, aborted bool) string {
	if aborted {
		return StatusAborted
	}
	anyFailed := false
	for _, se := range stages {
		if se.Status == StageFailed {
			anyFailed = true
			break
		}
	}
	if !anyFailed {
		return StatusCompleted
	}
	if failureStrategy == config.FailureContinue {
		return StatusPartial
	}
	return StatusFailed
}
