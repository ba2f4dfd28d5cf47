package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// GroupResult is the outcome of executing one layer.
type GroupResult struct {
	// Executions holds one record per stage, in completion order for
	// parallel mode and declaration order for sequential mode.
	Executions []state.StageExecution

	AllSucceeded bool
	AnyFailed    bool
	Duration     time.Duration
}

// GroupExecutor runs one layer of stages, respecting concurrency mode,
// per-layer parallelism caps, and cancellation. Stage crashes never
// propagate: a failed stage is a StageExecution with status failed.
type GroupExecutor struct {
	stages *StageExecutor
	now    func() time.Time
}

// NewGroupExecutor creates a GroupExecutor over the given stage executor.
func NewGroupExecutor(stages *StageExecutor) *GroupExecutor {
	return &GroupExecutor{stages: stages, now: time.Now}
}

// ExecuteLayer runs every stage of the layer and waits for all of them.
//
// Parallel mode starts all stages concurrently (bounded by maxParallel
// when > 0); a failing stage never interrupts its siblings, regardless of
// the failure strategy — stopping is enforced between layers by the
// coordinator. Sequential mode runs stages in declaration order and marks
// the remainder skipped once the abort token fires. In both modes a stage
// that observes an already-fired abort before starting becomes skipped.
func (g *GroupExecutor) ExecuteLayer(ctx context.Context, layer Layer, mode string, maxParallel int, reqFor func(config.StageConfig) StageRequest) GroupResult {
	start := g.now()
	var result GroupResult

	if mode == config.ModeSequential {
		for _, stage := range layer.Stages {
			if ctx.Err() != nil {
				result.Executions = append(result.Executions, g.skipped(stage, "run aborted"))
				continue
			}
			result.Executions = append(result.Executions, g.stages.ExecuteStage(ctx, reqFor(stage)))
		}
	} else {
		var mu sync.Mutex
		eg := &errgroup.Group{}
		if maxParallel > 0 {
			eg.SetLimit(maxParallel)
		}
		for _, stage := range layer.Stages {
			eg.Go(func() error {
				var exec state.StageExecution
				if ctx.Err() != nil {
					// Abort fired before this stage was admitted.
					exec = g.skipped(stage, "run aborted")
				} else {
					exec = g.stages.ExecuteStage(ctx, reqFor(stage))
				}
				mu.Lock()
				result.Executions = append(result.Executions, exec)
				mu.Unlock()
				return nil
			})
		}
		// Stage executors never return errors; Wait only synchronizes.
		_ = eg.Wait()
	}

	result.AllSucceeded = true
	for _, exec := range result.Executions {
		switch exec.Status {
		case state.StageFailed:
			result.AnyFailed = true
			result.AllSucceeded = false
		case state.StageSkipped:
			result.AllSucceeded = false
		}
	}
	result.Duration = g.now().Sub(start)
	return result
}

// skipped builds the record for a stage that never ran.
func (g *GroupExecutor) skipped(stage config.StageConfig, reason string) state.StageExecution {
	now := g.now()
	return state.StageExecution{
		StageName:  stage.Name,
		Status:     state.StageSkipped,
		StartTime:  now,
		EndTime:    &now,
		MaxRetries: stage.Retry.MaxAttempts - 1,
		Error: &state.StageError{
			Message:   reason,
			Category:  CategoryAborted,
			Timestamp: now,
		},
	}
}
