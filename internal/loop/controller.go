// Package loop repeats whole pipeline runs until the work is done. Each
// iteration is a full run — its own workspace preparation and finalize —
// with the pipeline branch carrying continuity between iterations.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/engine"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// Runner is the subset of the coordinator the controller drives. It is an
// interface so tests can script iteration outcomes.
type Runner interface {
	Run(ctx context.Context, cfg *config.PipelineConfig, opts engine.Options) (*state.PipelineState, error)
}

// Saver persists the termination reason onto the final iteration's state.
type Saver interface {
	Save(st *state.PipelineState) error
}

// Controller invokes the coordinator repeatedly for a looping pipeline.
// It never retries failed iterations — retries belong to stages — and it
// never touches the user's primary checkout between iterations.
type Controller struct {
	runner Runner
	saver  Saver
	logger *log.Logger
}

// NewController creates a Controller. saver and logger may be nil.
func NewController(runner Runner, saver Saver, logger *log.Logger) *Controller {
	return &Controller{runner: runner, saver: saver, logger: logger}
}

// Run executes cfg until a termination condition is met and returns the
// final iteration's state. For a non-looping pipeline it is exactly one
// coordinator run.
//
// Termination, checked in order after each iteration:
//
//   - failed or aborted status propagates and stops the loop;
//   - a final-layer stage reporting the stop signal ends with
//     stopped-by-stage;
//   - reaching maxIterations ends with limit-reached;
//   - otherwise the next iteration starts.
//
// maxIterations <= 0 falls back to the config's looping.maxIterations.
func (c *Controller) Run(ctx context.Context, cfg *config.PipelineConfig, opts engine.Options, maxIterations int) (*state.PipelineState, error) {
	if cfg.Looping == nil || !cfg.Looping.Enabled {
		return c.runner.Run(ctx, cfg, opts)
	}

	if maxIterations <= 0 {
		maxIterations = cfg.Looping.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = config.DefaultMaxLoopIterations
	}

	var st *state.PipelineState
	start := time.Now()

	for iteration := 1; iteration <= maxIterations; iteration++ {
		c.log("loop iteration starting", "pipeline", cfg.Name, "iteration", iteration, "max", maxIterations)

		iterOpts := opts
		iterOpts.LoopIteration = iteration
		iterOpts.LoopMaxIterations = maxIterations

		var err error
		st, err = c.runner.Run(ctx, cfg, iterOpts)
		if err != nil {
			return st, fmt.Errorf("loop: iteration %d: %w", iteration, err)
		}

		switch {
		case st.Status == state.StatusAborted:
			c.terminate(st, state.LoopAborted)
			return st, nil
		case st.Status == state.StatusFailed:
			// Propagate the failed status; the loop does not retry. The
			// status itself carries the outcome, so no termination reason
			// is recorded.
			return st, nil
		case stopSignalled(st):
			c.log("stage requested loop stop", "pipeline", cfg.Name, "iteration", iteration)
			c.terminate(st, state.LoopStoppedByStage)
			return st, nil
		}

		c.log("loop iteration finished", "iteration", iteration, "status", st.Status,
			"elapsed", time.Since(start).Round(time.Second))
	}

	c.terminate(st, state.LoopLimitReached)
	return st, nil
}

// terminate records reason on the state's loop context and re-persists.
func (c *Controller) terminate(st *state.PipelineState, reason string) {
	if st == nil || st.LoopContext == nil {
		return
	}
	st.LoopContext.TerminationReason = reason
	if c.saver != nil {
		if err := c.saver.Save(st); err != nil {
			c.log("persisting loop termination failed", "run", st.RunID, "error", err)
		}
	}
}

// stopSignalled reports whether any stage of the run reported the stop
// signal with a truthy value.
func stopSignalled(st *state.PipelineState) bool {
	for _, se := range st.Stages {
		v, ok := se.Outputs[engine.StopSignalKey]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			if val {
				return true
			}
		case string:
			if val == "true" {
				return true
			}
		}
	}
	return false
}

func (c *Controller) log(msg string, kvs ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, kvs...)
}
