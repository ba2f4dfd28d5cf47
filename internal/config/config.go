// Package config defines the declarative pipeline configuration model,
// loads it from YAML, applies defaults, validates it, and renders the
// template strings (commit prefixes, PR titles and bodies) it carries.
package config

// Trigger values describe what initiated a pipeline run. The core treats
// the trigger as a tag only; hook semantics live in the git-hook front end.
const (
	TriggerManual     = "manual"
	TriggerPreCommit  = "pre-commit"
	TriggerPostCommit = "post-commit"
	TriggerPrePush    = "pre-push"
	TriggerPostMerge  = "post-merge"
)

// Execution modes for a pipeline layer.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Failure strategies applied between layers.
const (
	FailureStop     = "stop"
	FailureContinue = "continue"
)

// Per-stage onFail behaviors.
const (
	OnFailStop     = "stop"
	OnFailContinue = "continue"
	OnFailWarn     = "warn"
)

// Branch strategies for the isolated workspace branch.
const (
	BranchReusable        = "reusable"
	BranchUniquePerRun    = "unique-per-run"
	BranchUniqueAndDelete = "unique-and-delete"
)

// Merge strategies applied by the finalizer.
const (
	MergePullRequest = "pull-request"
	MergeLocalMerge  = "local-merge"
	MergeNone        = "none"
)

// PipelineConfig is the declarative input for one pipeline run, loaded from
// a YAML file. A snapshot of the resolved config is embedded in the
// persisted PipelineState so runs are reproducible.
type PipelineConfig struct {
	// Name uniquely identifies the pipeline.
	Name string `yaml:"name" json:"name"`

	// Trigger tags what initiates the run (manual, pre-commit, ...).
	Trigger string `yaml:"trigger" json:"trigger"`

	// Execution controls layer concurrency and the inter-layer failure
	// strategy.
	Execution ExecutionConfig `yaml:"execution" json:"execution"`

	// Stages is the ordered list of agent stages. Pipeline authors declare
	// them under the "agents" key.
	Stages []StageConfig `yaml:"agents" json:"agents"`

	// Git configures branch, commit, and merge behavior. Nil means
	// defaults (reusable branch, no merge, auto-commit on).
	Git *GitConfig `yaml:"git,omitempty" json:"git,omitempty"`

	// Looping configures the outer repeat-until-done loop.
	Looping *LoopingConfig `yaml:"looping,omitempty" json:"looping,omitempty"`

	// Notifications is opaque to the core and forwarded to the event sink.
	Notifications map[string]any `yaml:"notifications,omitempty" json:"notifications,omitempty"`
}

// ExecutionConfig controls how the stages of one layer are scheduled.
type ExecutionConfig struct {
	// Mode is parallel or sequential.
	Mode string `yaml:"mode" json:"mode"`

	// FailureStrategy is stop or continue, enforced between layers.
	FailureStrategy string `yaml:"failureStrategy" json:"failureStrategy"`

	// MaxParallel caps how many stages of a layer run concurrently.
	// Zero means no cap.
	MaxParallel int `yaml:"maxParallel,omitempty" json:"maxParallel,omitempty"`
}

// StageConfig declares a single agent stage.
type StageConfig struct {
	// Name is unique within the pipeline.
	Name string `yaml:"name" json:"name"`

	// AgentRef is the opaque handle passed to the runtime (an agent
	// definition name or file).
	AgentRef string `yaml:"agent" json:"agent"`

	// DependsOn names stages that must finish successfully first.
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// Inputs is a string-to-scalar map passed to the agent prompt.
	Inputs map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// DeclaredOutputKeys names the structured outputs the stage is
	// expected to report via the output side channel.
	DeclaredOutputKeys []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// TimeoutSeconds bounds one attempt of the stage. Default 900.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`

	// OnFail is stop, continue, or warn.
	OnFail string `yaml:"onFail,omitempty" json:"onFail,omitempty"`

	// Retry configures per-stage retry policy.
	Retry RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Enabled defaults to true. Disabled stages are filtered out of the
	// plan; their dependents see them as already satisfied.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the stage participates in the plan.
func (s *StageConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RetryConfig is the per-stage retry policy. Delays follow
// min(initialDelay * 2^attempt, maxDelay).
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`

	// InitialDelayMs is the delay before the first retry.
	InitialDelayMs int `yaml:"initialDelayMs,omitempty" json:"initialDelayMs,omitempty"`

	// MaxDelayMs caps the exponential backoff.
	MaxDelayMs int `yaml:"maxDelayMs,omitempty" json:"maxDelayMs,omitempty"`

	// Backoff names the delay curve. Only "exponential" is recognised.
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// RetryTimeouts controls whether timeout errors are retried.
	// Default true.
	RetryTimeouts *bool `yaml:"retryTimeouts,omitempty" json:"retryTimeouts,omitempty"`
}

// ShouldRetryTimeouts reports whether timed-out attempts are retryable.
func (r *RetryConfig) ShouldRetryTimeouts() bool {
	return r.RetryTimeouts == nil || *r.RetryTimeouts
}

// GitConfig controls workspace branching, per-stage commits, and the
// terminal merge step.
type GitConfig struct {
	// BaseBranch is the branch the pipeline branch is created from.
	BaseBranch string `yaml:"baseBranch,omitempty" json:"baseBranch,omitempty"`

	// BranchStrategy is reusable, unique-per-run, or unique-and-delete.
	BranchStrategy string `yaml:"branchStrategy,omitempty" json:"branchStrategy,omitempty"`

	// MergeStrategy is pull-request, local-merge, or none.
	MergeStrategy string `yaml:"mergeStrategy,omitempty" json:"mergeStrategy,omitempty"`

	// AutoCommit commits each stage's changes. Default true.
	AutoCommit *bool `yaml:"autoCommit,omitempty" json:"autoCommit,omitempty"`

	// CommitPrefix is the commit message template. Variables: {{stage}},
	// {{pipeline}}, {{runId}}.
	CommitPrefix string `yaml:"commitPrefix,omitempty" json:"commitPrefix,omitempty"`

	// IgnorePatterns are doublestar globs excluded from auto-commits
	// (e.g. scratch files the agents are allowed to leave behind).
	IgnorePatterns []string `yaml:"ignorePatterns,omitempty" json:"ignorePatterns,omitempty"`

	// PullRequest configures PR creation under mergeStrategy=pull-request.
	PullRequest PullRequestConfig `yaml:"pullRequest,omitempty" json:"pullRequest,omitempty"`
}

// IsAutoCommit reports whether stage changes are committed automatically.
func (g *GitConfig) IsAutoCommit() bool {
	return g.AutoCommit == nil || *g.AutoCommit
}

// PullRequestConfig holds the PR title and body templates plus the draft
// flag. Templates use the same {{variable}} substitution as CommitPrefix.
type PullRequestConfig struct {
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
	Body  string `yaml:"body,omitempty" json:"body,omitempty"`
	Draft bool   `yaml:"draft,omitempty" json:"draft,omitempty"`
}

// LoopingConfig configures the outer repeat-until-done loop. Each
// iteration is a full run, including workspace setup and finalize.
type LoopingConfig struct {
	// Enabled turns looping on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxIterations bounds the loop. Default 100.
	MaxIterations int `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`

	// Instructions is the loop-continuation text appended to the prompts
	// of final-layer stages, telling the agent how to signal completion.
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// Stage returns the stage with the given name, or nil.
func (c *PipelineConfig) Stage(name string) *StageConfig {
	for i := range c.Stages {
		if c.Stages[i].Name == name {
			return &c.Stages[i]
		}
	}
	return nil
}

// EnabledStages returns the stages with Enabled true, in declaration order.
func (c *PipelineConfig) EnabledStages() []StageConfig {
	out := make([]StageConfig, 0, len(c.Stages))
	for _, s := range c.Stages {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
