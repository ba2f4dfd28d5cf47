// Package engine contains the pipeline execution core: the dependency
// planner, the stage and group executors, the commit manager, and the run
// coordinator that drives one pipeline run to a terminal status.
package engine

import "fmt"

// Error categories recorded on StageError.Category. These are kinds, not
// Go types: they drive retry decisions and survive JSON persistence.
const (
	CategoryConfiguration = "configuration"
	CategoryWorkspace     = "workspace"
	CategoryRuntime       = "runtime"
	CategoryTimeout       = "timeout"
	CategoryVCS           = "vcs"
	CategoryPRProvider    = "pr-provider"
	CategoryAborted       = "aborted"
)

// ConfigurationError reports a malformed pipeline config (unknown
// dependency, cycle, duplicate name). It is fatal for the run and is
// raised before any side effects occur.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// WorkspaceError reports that the isolated workspace could not be
// prepared. Fatal for the run.
type WorkspaceError struct {
	Err error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace error: %v", e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// retryable reports whether a stage error of the given category may be
// retried under the stage's policy. Configuration and vcs errors are never
// retried within a stage (the latter implies repository inconsistency);
// timeouts follow the retryTimeouts knob; aborts are final.
func retryable(category string, retryTimeouts bool) bool {
	switch category {
	case CategoryRuntime:
		return true
	case CategoryTimeout:
		return retryTimeouts
	default:
		return false
	}
}
