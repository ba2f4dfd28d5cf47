package config

// Defaults applied by ApplyDefaults. Exported so the CLI help text and the
// tests reference the same values.
const (
	DefaultTimeoutSeconds    = 900
	DefaultMaxAttempts       = 1
	DefaultInitialDelayMs    = 1000
	DefaultMaxDelayMs        = 30000
	DefaultBackoff           = "exponential"
	DefaultBaseBranch        = "main"
	DefaultCommitPrefix      = "pipeline({{pipeline}}): {{stage}}"
	DefaultMaxLoopIterations = 100
)

// ApplyDefaults fills every optional field of cfg with its documented
// default. It is idempotent and never overwrites an explicit value.
func ApplyDefaults(cfg *PipelineConfig) {
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerManual
	}
	if cfg.Execution.Mode == "" {
		cfg.Execution.Mode = ModeParallel
	}
	if cfg.Execution.FailureStrategy == "" {
		cfg.Execution.FailureStrategy = FailureStop
	}

	for i := range cfg.Stages {
		s := &cfg.Stages[i]
		if s.TimeoutSeconds == 0 {
			s.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if s.OnFail == "" {
			s.OnFail = OnFailStop
		}
		if s.Retry.MaxAttempts == 0 {
			s.Retry.MaxAttempts = DefaultMaxAttempts
		}
		if s.Retry.InitialDelayMs == 0 {
			s.Retry.InitialDelayMs = DefaultInitialDelayMs
		}
		if s.Retry.MaxDelayMs == 0 {
			s.Retry.MaxDelayMs = DefaultMaxDelayMs
		}
		if s.Retry.Backoff == "" {
			s.Retry.Backoff = DefaultBackoff
		}
	}

	if cfg.Git == nil {
		cfg.Git = &GitConfig{}
	}
	if cfg.Git.BaseBranch == "" {
		cfg.Git.BaseBranch = DefaultBaseBranch
	}
	if cfg.Git.BranchStrategy == "" {
		cfg.Git.BranchStrategy = BranchReusable
	}
	if cfg.Git.MergeStrategy == "" {
		cfg.Git.MergeStrategy = MergeNone
	}
	if cfg.Git.CommitPrefix == "" {
		cfg.Git.CommitPrefix = DefaultCommitPrefix
	}

	if cfg.Looping != nil && cfg.Looping.MaxIterations == 0 {
		cfg.Looping.MaxIterations = DefaultMaxLoopIterations
	}
}
