package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/events"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/extract"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/id"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/runtime"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/workspace"
)

// StopSignalKey is the structured-output key a final-layer stage reports
// to terminate a looping pipeline.
const StopSignalKey = "stopLooping"

// defaultLoopInstructions is appended to final-layer prompts of a looping
// pipeline when the config provides no instructions of its own.
const defaultLoopInstructions = "## Loop control\n" +
	"This pipeline repeats until the work is done. If nothing is left to " +
	"do, report:\n" +
	"`" + extract.OutputsPrefix + ` {"outputs": {"` + StopSignalKey + `": true}}` + "`\n"

// Options configures one coordinator run.
type Options struct {
	// Interactive marks the run as driven by a terminal UI. The
	// coordinator does not read it.
	Interactive bool

	// Verbose marks a debug-logging run. The coordinator does not read
	// it; the log level is that of the logger passed in.
	Verbose bool

	// Trigger describes what initiated the run. Zero value means manual
	// at the coordinator's clock.
	Trigger state.Trigger

	// StateObserver receives a state snapshot after every persistence.
	// Observers must not block and cannot mutate the run's state.
	StateObserver func(*state.PipelineState)

	// OnToken receives every agent stdout line for UI streaming.
	OnToken func(stage, line string)

	// LoopIteration and LoopMaxIterations are set by the loop controller
	// so the run records its position in the outer loop.
	LoopIteration     int
	LoopMaxIterations int
}

// Coordinator drives a single run of a PipelineConfig to a terminal
// status. It exclusively owns the PipelineState during the run and is its
// only writer; readers observe snapshots through the state observer and
// the event sink.
type Coordinator struct {
	store      *state.Store
	workspaces *workspace.Manager
	groups     *GroupExecutor
	finalizer  *workspace.Finalizer
	runtimes   *runtime.Registry
	sink       events.Sink
	logger     *log.Logger

	// runtimeName selects the runtime backend stages execute with.
	runtimeName string

	// agentDir is where agent definition files are resolved.
	agentDir string

	now func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger attaches a logger.
func WithCoordinatorLogger(logger *log.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithCoordinatorSink attaches the event sink for pipeline lifecycle
// events.
func WithCoordinatorSink(sink events.Sink) CoordinatorOption {
	return func(c *Coordinator) { c.sink = sink }
}

// WithCoordinatorClock overrides the time source.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithAgentDir sets the directory agent definitions are resolved from.
func WithAgentDir(dir string) CoordinatorOption {
	return func(c *Coordinator) { c.agentDir = dir }
}

// NewCoordinator wires a Coordinator from its collaborators. runtimeName
// selects which registered runtime executes the stages.
func NewCoordinator(
	store *state.Store,
	workspaces *workspace.Manager,
	groups *GroupExecutor,
	finalizer *workspace.Finalizer,
	runtimes *runtime.Registry,
	runtimeName string,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		store:       store,
		workspaces:  workspaces,
		groups:      groups,
		finalizer:   finalizer,
		runtimes:    runtimes,
		runtimeName: runtimeName,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes cfg to a terminal status and returns the persisted state.
//
// It returns a *ConfigurationError when the config fails the pre-run
// sanity check and a *WorkspaceError when the isolated workspace cannot
// be prepared — both before or instead of stage execution. Stage failures
// never surface as errors; they are recorded in the state.
func (c *Coordinator) Run(ctx context.Context, cfg *config.PipelineConfig, opts Options) (*state.PipelineState, error) {
	// Plan first: planner errors must propagate before any side effects.
	layers, err := Plan(cfg)
	if err != nil {
		return nil, err
	}

	// The runtime must exist and pass its prerequisite check before
	// anything is persisted.
	rt, err := c.runtimes.Get(c.runtimeName)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	if v := rt.Validate(ctx); !v.OK {
		return nil, &ConfigurationError{Err: fmt.Errorf(
			"runtime %q prerequisites not met: %s", c.runtimeName, strings.Join(v.Errors, "; "))}
	}

	runID := id.NewRunID(c.now())
	trigger := opts.Trigger
	if trigger.Type == "" {
		trigger.Type = cfg.Trigger
	}
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = c.now()
	}

	st := state.New(runID, *cfg, trigger, c.now())
	st.ConfigHash = configHash(cfg)
	st.Status = state.StatusRunning
	if cfg.Looping != nil && cfg.Looping.Enabled {
		st.LoopContext = &state.LoopContext{
			Iteration:     opts.LoopIteration,
			MaxIterations: opts.LoopMaxIterations,
		}
		if st.LoopContext.MaxIterations == 0 {
			st.LoopContext.MaxIterations = cfg.Looping.MaxIterations
		}
	}

	if err := c.store.Create(st); err != nil {
		return nil, fmt.Errorf("coordinator: persisting run: %w", err)
	}
	c.observe(st, opts)
	c.emit(events.Event{
		Type:    events.PipelineStarted,
		State:   st.Clone(),
		Message: fmt.Sprintf("pipeline %q run %s started", cfg.Name, runID),
	})
	c.log("run started", "pipeline", cfg.Name, "run", runID, "layers", len(layers))

	// An abort that fired before any stage started leaves the repository
	// untouched: no workspace, no commits, every stage skipped.
	if ctx.Err() != nil {
		for _, layer := range layers {
			c.skipLayer(st, layer, map[string]bool{}, "run aborted")
		}
		st.Status = state.StatusAborted
		end := c.now()
		st.EndTime = &end
		if st.LoopContext != nil {
			st.LoopContext.TerminationReason = state.LoopAborted
		}
		c.persist(st, opts)
		c.emitTerminal(st)
		return st, nil
	}

	ws, err := c.workspaces.Prepare(ctx, cfg, runID)
	if err != nil {
		st.Status = state.StatusFailed
		end := c.now()
		st.EndTime = &end
		c.persist(st, opts)
		c.emit(events.Event{
			Type:    events.PipelineFailed,
			State:   st.Clone(),
			Message: fmt.Sprintf("workspace preparation failed: %v", err),
		})
		return st, &WorkspaceError{Err: err}
	}

	st.Artifacts.InitialCommit = ws.InitialCommit
	st.Artifacts.Branch = ws.Branch
	st.Artifacts.HandoverDir = filepath.Join(ws.Path, ".agent-pipeline", "outputs", runID)
	c.persist(st, opts)

	c.executeLayers(ctx, cfg, opts, layers, ws, st)

	aborted := ctx.Err() != nil
	st.Status = state.Aggregate(st.Stages, cfg.Execution.FailureStrategy, aborted)
	if st.LoopContext != nil && aborted {
		st.LoopContext.TerminationReason = state.LoopAborted
	}
	st.Artifacts.ChangedFiles = aggregateChangedFiles(st.Stages)

	if err := c.finalizer.Finalize(ctx, st, cfg, ws); err != nil {
		c.log("finalize failed", "run", runID, "error", err)
		st.Status = state.StatusFailed
	}

	c.persist(st, opts)
	c.emitTerminal(st)
	c.log("run finished", "run", runID, "status", st.Status,
		"duration", st.Artifacts.TotalDuration)
	return st, nil
}

// executeLayers walks the plan layer by layer, skipping dependents of
// failed stages, enforcing the stop failure strategy between layers, and
// persisting after every group.
func (c *Coordinator) executeLayers(ctx context.Context, cfg *config.PipelineConfig, opts Options, layers []Layer, ws *workspace.Workspace, st *state.PipelineState) {
	unsatisfied := make(map[string]bool) // stages that failed or were skipped
	stopping := false

	for _, layer := range layers {
		if ctx.Err() != nil {
			c.skipLayer(st, layer, unsatisfied, "run aborted")
			continue
		}
		if stopping {
			c.skipLayer(st, layer, unsatisfied, "skipped: an earlier stage failed with failureStrategy=stop")
			continue
		}

		// Dependents of a failed or skipped stage never run, in both
		// failure strategies: their precondition is broken.
		var runnable []config.StageConfig
		for _, stage := range layer.Stages {
			if dep := firstUnsatisfiedDep(stage, unsatisfied); dep != "" {
				c.appendSkipped(st, stage, fmt.Sprintf("skipped: dependency %q did not succeed", dep))
				unsatisfied[stage.Name] = true
				continue
			}
			runnable = append(runnable, stage)
		}
		if len(runnable) == 0 {
			c.persist(st, opts)
			continue
		}

		res := c.groups.ExecuteLayer(ctx, Layer{Stages: runnable, Final: layer.Final},
			cfg.Execution.Mode, cfg.Execution.MaxParallel,
			func(stage config.StageConfig) StageRequest {
				return c.stageRequest(cfg, opts, stage, layer.Final, ws, st)
			})

		for _, exec := range res.Executions {
			if exec.Status != state.StageSuccess {
				unsatisfied[exec.StageName] = true
			}
			st.Stages = append(st.Stages, exec)
		}
		c.persist(st, opts)

		if cfg.Execution.FailureStrategy == config.FailureStop && res.AnyFailed {
			// Only stages that declare onFail=stop pull the brake;
			// continue/warn failures degrade the status without stopping
			// the pipeline.
			for _, exec := range res.Executions {
				if exec.Status != state.StageFailed {
					continue
				}
				stage := cfg.Stage(exec.StageName)
				if stage == nil || stage.OnFail == config.OnFailStop {
					stopping = true
				} else if stage.OnFail == config.OnFailWarn && c.logger != nil {
					c.logger.Warn("stage failed (onFail=warn)", "stage", exec.StageName)
				}
			}
		}
	}
}

// stageRequest assembles the StageRequest for one stage of one run.
func (c *Coordinator) stageRequest(cfg *config.PipelineConfig, opts Options, stage config.StageConfig, final bool, ws *workspace.Workspace, st *state.PipelineState) StageRequest {
	loopInstructions := ""
	if final && cfg.Looping != nil && cfg.Looping.Enabled {
		loopInstructions = cfg.Looping.Instructions
		if loopInstructions == "" {
			loopInstructions = defaultLoopInstructions
		}
	}
	return StageRequest{
		Stage:            stage,
		RunID:            st.RunID,
		Pipeline:         cfg.Name,
		WorkDir:          ws.Path,
		HandoverDir:      st.Artifacts.HandoverDir,
		AgentDir:         c.agentDir,
		Runtime:          c.runtimeName,
		LoopInstructions: loopInstructions,
		AutoCommit:       cfg.Git.IsAutoCommit(),
		CommitTemplate:   cfg.Git.CommitPrefix,
		IgnorePatterns:   cfg.Git.IgnorePatterns,
		OnToken:          opts.OnToken,
		Snapshot:         st.Clone,
	}
}

// skipLayer records every stage of layer as skipped with the given reason.
func (c *Coordinator) skipLayer(st *state.PipelineState, layer Layer, unsatisfied map[string]bool, reason string) {
	for _, stage := range layer.Stages {
		c.appendSkipped(st, stage, reason)
		unsatisfied[stage.Name] = true
	}
}

// appendSkipped records a stage that never ran.
func (c *Coordinator) appendSkipped(st *state.PipelineState, stage config.StageConfig, reason string) {
	now := c.now()
	st.Stages = append(st.Stages, state.StageExecution{
		StageName:  stage.Name,
		Status:     state.StageSkipped,
		StartTime:  now,
		EndTime:    &now,
		MaxRetries: stage.Retry.MaxAttempts - 1,
		Error: &state.StageError{
			Message:   reason,
			Timestamp: now,
		},
	})
}

// DryRun describes the planned run without side effects: the layer
// structure, branch name, and per-stage runtime configuration.
func (c *Coordinator) DryRun(cfg *config.PipelineConfig) (string, error) {
	layers, err := Plan(cfg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Pipeline %q dry-run plan\n", cfg.Name)
	sb.WriteString(strings.Repeat("=", 40))
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Mode:            %s\n", cfg.Execution.Mode)
	fmt.Fprintf(&sb, "Failure policy:  %s\n", cfg.Execution.FailureStrategy)
	fmt.Fprintf(&sb, "Branch:          %s (%s)\n", workspace.BranchName(cfg, "<runId>"), cfg.Git.BranchStrategy)
	fmt.Fprintf(&sb, "Merge strategy:  %s\n", cfg.Git.MergeStrategy)
	if cfg.Looping != nil && cfg.Looping.Enabled {
		fmt.Fprintf(&sb, "Looping:         up to %d iterations\n", cfg.Looping.MaxIterations)
	}
	sb.WriteString("\n")
	for i, layer := range layers {
		marker := ""
		if layer.Final {
			marker = " (final)"
		}
		fmt.Fprintf(&sb, "Layer %d%s: %s\n", i+1, marker, strings.Join(layer.Names(), ", "))
		for _, stage := range layer.Stages {
			fmt.Fprintf(&sb, "  - %s: agent=%s timeout=%ds attempts=%d onFail=%s\n",
				stage.Name, stage.AgentRef, stage.TimeoutSeconds,
				stage.Retry.MaxAttempts, stage.OnFail)
		}
	}
	return sb.String(), nil
}

// firstUnsatisfiedDep returns the name of the first dependency of stage
// recorded as failed or skipped, or "".
func firstUnsatisfiedDep(stage config.StageConfig, unsatisfied map[string]bool) string {
	for _, dep := range stage.DependsOn {
		if unsatisfied[dep] {
			return dep
		}
	}
	return ""
}

// aggregateChangedFiles merges per-stage changed files, deduplicated in
// first-seen order.
func aggregateChangedFiles(stages []state.StageExecution) []string {
	seen := make(map[string]bool)
	var out []string
	for _, se := range stages {
		for _, f := range se.ChangedFiles {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// configHash fingerprints the canonical JSON encoding of cfg with
// xxhash64.
func configHash(cfg *config.PipelineConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// persist saves the state and notifies the observer. Persistence failures
// mid-run are logged, not fatal: the run itself is the priority and the
// final save will retry.
func (c *Coordinator) persist(st *state.PipelineState, opts Options) {
	if err := c.store.Save(st); err != nil {
		c.log("state persistence failed", "run", st.RunID, "error", err)
	}
	c.observe(st, opts)
}

func (c *Coordinator) observe(st *state.PipelineState, opts Options) {
	if opts.StateObserver != nil {
		opts.StateObserver(st.Clone())
	}
}

// emitTerminal publishes exactly one terminal pipeline event for the run.
// partial maps to pipeline.completed with the Partial flag set.
func (c *Coordinator) emitTerminal(st *state.PipelineState) {
	switch st.Status {
	case state.StatusAborted:
		c.emit(events.Event{
			Type:    events.PipelineAborted,
			State:   st.Clone(),
			Message: "run aborted",
		})
	case state.StatusFailed:
		c.emit(events.Event{
			Type:    events.PipelineFailed,
			State:   st.Clone(),
			Message: "run failed",
		})
	default:
		c.emit(events.Event{
			Type:    events.PipelineCompleted,
			State:   st.Clone(),
			Partial: st.Status == state.StatusPartial,
			Message: "run " + st.Status,
		})
	}
}

func (c *Coordinator) emit(ev events.Event) {
	if c.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	c.sink.Emit(ev)
}

func (c *Coordinator) log(msg string, kvs ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, kvs...)
}
