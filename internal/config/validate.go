package config

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

var validTriggers = map[string]bool{
	TriggerManual:     true,
	TriggerPreCommit:  true,
	TriggerPostCommit: true,
	TriggerPrePush:    true,
	TriggerPostMerge:  true,
}

var validOnFail = map[string]bool{
	OnFailStop:     true,
	OnFailContinue: true,
	OnFailWarn:     true,
}

var validBranchStrategies = map[string]bool{
	BranchReusable:        true,
	BranchUniquePerRun:    true,
	BranchUniqueAndDelete: true,
}

var validMergeStrategies = map[string]bool{
	MergePullRequest: true,
	MergeLocalMerge:  true,
	MergeNone:        true,
}

// Validate checks cfg for structural errors: missing names, unknown
// enumeration values, duplicate stage names, references to undeclared
// stages, and malformed ignore globs. All detected errors are returned
// together so the author gets a complete picture in one pass. Cycle
// detection is the planner's job.
func Validate(cfg *PipelineConfig) error {
	var errs []error

	if cfg.Name == "" {
		errs = append(errs, errors.New("config: pipeline name is required"))
	}
	if !validTriggers[cfg.Trigger] {
		errs = append(errs, fmt.Errorf("config: unknown trigger %q", cfg.Trigger))
	}
	if cfg.Execution.Mode != ModeParallel && cfg.Execution.Mode != ModeSequential {
		errs = append(errs, fmt.Errorf("config: unknown execution.mode %q", cfg.Execution.Mode))
	}
	if cfg.Execution.FailureStrategy != FailureStop && cfg.Execution.FailureStrategy != FailureContinue {
		errs = append(errs, fmt.Errorf("config: unknown execution.failureStrategy %q", cfg.Execution.FailureStrategy))
	}
	if cfg.Execution.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("config: execution.maxParallel must be >= 0, got %d", cfg.Execution.MaxParallel))
	}

	// An empty stage list is legal: the run completes immediately.
	declared := make(map[string]bool, len(cfg.Stages))
	for i := range cfg.Stages {
		s := &cfg.Stages[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("config: agents[%d]: name is required", i))
			continue
		}
		if declared[s.Name] {
			errs = append(errs, fmt.Errorf("config: duplicate agent name %q", s.Name))
		}
		declared[s.Name] = true

		if s.AgentRef == "" {
			errs = append(errs, fmt.Errorf("config: agent %q: agent ref is required", s.Name))
		}
		if !validOnFail[s.OnFail] {
			errs = append(errs, fmt.Errorf("config: agent %q: unknown onFail %q", s.Name, s.OnFail))
		}
		if s.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("config: agent %q: timeoutSeconds must be >= 0", s.Name))
		}
		if s.Retry.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("config: agent %q: retry.maxAttempts must be >= 1", s.Name))
		}
		if s.Retry.Backoff != DefaultBackoff {
			errs = append(errs, fmt.Errorf("config: agent %q: unknown retry.backoff %q", s.Name, s.Retry.Backoff))
		}
	}

	// Reference checks run after the declared set is complete so forward
	// references validate correctly.
	for i := range cfg.Stages {
		s := &cfg.Stages[i]
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				errs = append(errs, fmt.Errorf("config: agent %q depends on unknown agent %q", s.Name, dep))
			}
			if dep == s.Name {
				errs = append(errs, fmt.Errorf("config: agent %q depends on itself", s.Name))
			}
			if seen[dep] {
				errs = append(errs, fmt.Errorf("config: agent %q lists dependency %q twice", s.Name, dep))
			}
			seen[dep] = true
		}
	}

	if cfg.Git != nil {
		if !validBranchStrategies[cfg.Git.BranchStrategy] {
			errs = append(errs, fmt.Errorf("config: unknown git.branchStrategy %q", cfg.Git.BranchStrategy))
		}
		if !validMergeStrategies[cfg.Git.MergeStrategy] {
			errs = append(errs, fmt.Errorf("config: unknown git.mergeStrategy %q", cfg.Git.MergeStrategy))
		}
		for _, pat := range cfg.Git.IgnorePatterns {
			if !doublestar.ValidatePattern(pat) {
				errs = append(errs, fmt.Errorf("config: invalid git.ignorePatterns glob %q", pat))
			}
		}
	}

	if cfg.Looping != nil && cfg.Looping.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("config: looping.maxIterations must be >= 1, got %d", cfg.Looping.MaxIterations))
	}

	return errors.Join(errs...)
}
