package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/events"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/extract"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/runtime"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// StageRequest carries everything one stage execution needs.
type StageRequest struct {
	// Stage is the resolved stage config.
	Stage config.StageConfig

	// RunID and Pipeline identify the run for templates and logs.
	RunID    string
	Pipeline string

	// WorkDir is the isolated workspace checkout the agent runs in.
	WorkDir string

	// HandoverDir is the per-run directory stage outputs and transcripts
	// are written to.
	HandoverDir string

	// AgentDir is where agent definition files live. AgentRef is resolved
	// against it as "<ref>", then as "<ref>.md"; an unresolvable ref falls
	// back to the ref itself as literal prompt text.
	AgentDir string

	// Runtime names the runtime backend to execute with.
	Runtime string

	// LoopInstructions is appended to the prompt; non-empty only for
	// final-layer stages of a looping pipeline.
	LoopInstructions string

	// AutoCommit, CommitTemplate, and IgnorePatterns configure the
	// post-run commit.
	AutoCommit     bool
	CommitTemplate string
	IgnorePatterns []string

	// OnToken receives every stdout line for UI streaming. May be nil.
	OnToken func(stage, line string)

	// Snapshot returns a clone of the current pipeline state for event
	// payloads. May be nil.
	Snapshot func() *state.PipelineState
}

// StageExecutor runs one stage to completion: prompt composition,
// subprocess execution with timeout, output-side-channel capture, a
// per-stage transcript, retries, and the post-run commit. It never returns
// an error for stage-level failures; those are recorded in the
// StageExecution.
type StageExecutor struct {
	runtimes *runtime.Registry
	commits  *CommitManager
	sink     events.Sink
	logger   *log.Logger

	// now and sleep are injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// StageExecutorOption configures a StageExecutor.
type StageExecutorOption func(*StageExecutor)

// WithStageLogger attaches a logger.
func WithStageLogger(logger *log.Logger) StageExecutorOption {
	return func(e *StageExecutor) { e.logger = logger }
}

// WithStageSink attaches the event sink receiving stage lifecycle events.
func WithStageSink(sink events.Sink) StageExecutorOption {
	return func(e *StageExecutor) { e.sink = sink }
}

// WithStageClock overrides the time source and retry-delay sleeper.
func WithStageClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration)) StageExecutorOption {
	return func(e *StageExecutor) {
		e.now = now
		e.sleep = sleep
	}
}

// NewStageExecutor creates a StageExecutor. commits may be nil when no
// workspace commits are wanted (dry environments, tests).
func NewStageExecutor(runtimes *runtime.Registry, commits *CommitManager, opts ...StageExecutorOption) *StageExecutor {
	e := &StageExecutor{
		runtimes: runtimes,
		commits:  commits,
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteStage runs the stage, retrying per its policy, and returns the
// StageExecution record for the final attempt. The record is complete on
// return and is never mutated afterwards. Stage-level errors never
// propagate as Go errors.
func (e *StageExecutor) ExecuteStage(ctx context.Context, req StageRequest) state.StageExecution {
	started := e.now()
	exec := state.StageExecution{
		StageName:  req.Stage.Name,
		Status:     state.StageRunning,
		StartTime:  started,
		MaxRetries: req.Stage.Retry.MaxAttempts - 1,
		LogPath:    filepath.Join(req.HandoverDir, req.Stage.Name+"-raw.md"),
	}

	e.emit(events.StageStarted, req, "")
	e.log("stage started", "stage", req.Stage.Name, "run", req.RunID)

	rt, rtErr := e.runtimes.Get(req.Runtime)

	maxAttempts := req.Stage.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		exec.RetryAttempt = attempt

		if rtErr != nil {
			// A stage naming an unregistered runtime is a configuration
			// defect; it is never retried.
			e.failAttempt(&exec, CategoryConfiguration,
				fmt.Sprintf("no runtime registered under %q: %v", req.Runtime, rtErr))
			break
		}

		if ctx.Err() != nil {
			e.failAttempt(&exec, CategoryAborted, "run aborted before attempt started")
			break
		}

		e.runAttempt(ctx, rt, req, &exec, attempt)

		if exec.Status == state.StageSuccess {
			break
		}
		category := ""
		if exec.Error != nil {
			category = exec.Error.Category
		}
		if attempt+1 >= maxAttempts || !retryable(category, req.Stage.Retry.ShouldRetryTimeouts()) {
			break
		}

		delay := backoffDelay(req.Stage.Retry, attempt)
		e.log("retrying stage", "stage", req.Stage.Name, "attempt", attempt+1, "delay", delay)
		e.sleep(ctx, delay)
	}

	end := e.now()
	exec.EndTime = &end
	exec.Duration = end.Sub(started).Seconds()

	if exec.Status == state.StageSuccess {
		e.emit(events.StageCompleted, req, "")
		e.log("stage completed", "stage", req.Stage.Name, "duration", exec.Duration)
	} else {
		exec.Status = state.StageFailed
		msg := ""
		if exec.Error != nil {
			msg = exec.Error.Message
		}
		e.emit(events.StageFailed, req, msg)
		e.log("stage failed", "stage", req.Stage.Name, "error", msg)
	}
	return exec
}

// runAttempt executes one attempt: compose the prompt, launch the runtime
// subprocess with the stage timeout, stream and classify stdout, then
// commit the workspace diff on success. Outcome is written into exec.
func (e *StageExecutor) runAttempt(ctx context.Context, rt runtime.Runtime, req StageRequest, exec *state.StageExecution, attempt int) {
	prompt := e.composePrompt(req)

	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Stage.TimeoutSeconds > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Stage.TimeoutSeconds)*time.Second)
	}
	defer cancel()

	outputs := map[string]any{}
	extracted := map[string]string{}

	logFile := e.openLog(req, attempt)
	if logFile != nil {
		defer logFile.Close()
	}

	onLine := func(line string) {
		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
		if req.OnToken != nil {
			req.OnToken(req.Stage.Name, line)
		}
		parsed := extract.FromStream(line)
		switch parsed.Kind {
		case extract.KindStructured:
			if parsed.Err != nil {
				e.log("malformed structured output line", "stage", req.Stage.Name, "error", parsed.Err)
				return
			}
			for k, v := range parsed.Outputs {
				outputs[k] = v
			}
		case extract.KindKV:
			if parsed.Err != nil {
				e.log("malformed kv line", "stage", req.Stage.Name, "error", parsed.Err)
				return
			}
			extracted[parsed.Key] = parsed.Value
		}
	}

	result, execErr := rt.Execute(attemptCtx, runtime.ExecRequest{
		Prompt:      prompt,
		AgentRef:    req.Stage.AgentRef,
		Inputs:      req.Stage.Inputs,
		WorkDir:     req.WorkDir,
		HandoverDir: req.HandoverDir,
		OnLine:      onLine,
	})

	if len(outputs) > 0 {
		exec.Outputs = outputs
	}
	if len(extracted) > 0 {
		exec.ExtractedData = extracted
	}
	if result != nil {
		exec.TokenUsage = result.TokenUsage
	}

	switch {
	case ctx.Err() != nil:
		// The run-level abort token fired while the attempt was in
		// flight; the subprocess tree was killed by the runtime.
		e.failAttempt(exec, CategoryAborted, "stage aborted")
		return
	case attemptCtx.Err() == context.DeadlineExceeded:
		e.failAttempt(exec, CategoryTimeout,
			fmt.Sprintf("stage exceeded timeout of %ds", req.Stage.TimeoutSeconds))
		return
	case execErr != nil:
		e.failAttempt(exec, CategoryRuntime, fmt.Sprintf("launching runtime: %v", execErr))
		return
	case result.ExitCode != 0:
		msg := fmt.Sprintf("runtime exited with code %d", result.ExitCode)
		if s := strings.TrimSpace(result.Stderr); s != "" {
			msg += ": " + truncate(s, 500)
		}
		e.failAttempt(exec, CategoryRuntime, msg)
		return
	}

	// Subprocess succeeded. Persist captured outputs for later stages,
	// then commit the diff (if any).
	e.writeOutputsFile(req, exec)

	if req.AutoCommit && e.commits != nil {
		message := config.RenderTemplate(req.CommitTemplate, config.TemplateVars{
			Pipeline: req.Pipeline,
			RunID:    req.RunID,
			Stage:    req.Stage.Name,
		})
		sha, files, err := e.commits.CommitIfDirty(ctx, req.WorkDir, message, req.IgnorePatterns)
		if err != nil {
			// A failed git operation implies repository inconsistency;
			// fatal for the stage and never retried.
			e.failAttempt(exec, CategoryVCS, fmt.Sprintf("committing stage changes: %v", err))
			return
		}
		exec.CommitSha = sha
		exec.ChangedFiles = files
	}

	exec.Status = state.StageSuccess
	exec.Error = nil
}

// composePrompt concatenates the agent definition, the declared inputs,
// the output-reporting contract, and (for final-layer stages of a looping
// pipeline) the loop-continuation instructions.
func (e *StageExecutor) composePrompt(req StageRequest) string {
	var sb strings.Builder
	sb.WriteString(e.resolveAgentDefinition(req))

	if len(req.Stage.Inputs) > 0 {
		sb.WriteString("\n\n## Inputs\n")
		keys := make([]string, 0, len(req.Stage.Inputs))
		for k := range req.Stage.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, req.Stage.Inputs[k])
		}
	}

	if len(req.Stage.DeclaredOutputKeys) > 0 {
		sb.WriteString("\n## Reporting outputs\n")
		sb.WriteString("When finished, report each output on its own line as:\n")
		sb.WriteString("`" + extract.OutputsPrefix + ` {"outputs": {"<key>": <value>}}` + "`\n")
		fmt.Fprintf(&sb, "Expected output keys: %s\n", strings.Join(req.Stage.DeclaredOutputKeys, ", "))
	}

	if req.LoopInstructions != "" {
		sb.WriteString("\n")
		sb.WriteString(req.LoopInstructions)
		sb.WriteString("\n")
	}
	return sb.String()
}

// resolveAgentDefinition loads the agent definition the stage references.
// Resolution order: <agentDir>/<ref>, <agentDir>/<ref>.md, then the ref
// itself as literal prompt text.
func (e *StageExecutor) resolveAgentDefinition(req StageRequest) string {
	ref := req.Stage.AgentRef
	if req.AgentDir != "" {
		for _, candidate := range []string{ref, ref + ".md"} {
			data, err := os.ReadFile(filepath.Join(req.AgentDir, candidate))
			if err == nil {
				return string(data)
			}
		}
	}
	return ref
}

// openLog opens the per-stage transcript for appending and writes the
// attempt header. Returns nil (logging disabled) when the handover
// directory cannot be created.
func (e *StageExecutor) openLog(req StageRequest, attempt int) *os.File {
	if err := os.MkdirAll(req.HandoverDir, 0o755); err != nil {
		e.log("cannot create handover dir", "dir", req.HandoverDir, "error", err)
		return nil
	}
	path := filepath.Join(req.HandoverDir, req.Stage.Name+"-raw.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.log("cannot open stage log", "path", path, "error", err)
		return nil
	}
	fmt.Fprintf(f, "## %s attempt %d (%s)\n\n", req.Stage.Name, attempt+1, e.now().UTC().Format(time.RFC3339))
	return f
}

// writeOutputsFile persists the stage's structured outputs to
// <handover>/<stage>-output.json. Best-effort: a write failure is logged
// but does not fail the stage.
func (e *StageExecutor) writeOutputsFile(req StageRequest, exec *state.StageExecution) {
	if len(exec.Outputs) == 0 {
		return
	}
	data, err := json.MarshalIndent(exec.Outputs, "", "  ")
	if err != nil {
		e.log("cannot marshal stage outputs", "stage", req.Stage.Name, "error", err)
		return
	}
	path := filepath.Join(req.HandoverDir, req.Stage.Name+"-output.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		e.log("cannot write stage outputs", "path", path, "error", err)
	}
}

// failAttempt records a failed attempt on exec.
func (e *StageExecutor) failAttempt(exec *state.StageExecution, category, message string) {
	exec.Status = state.StageFailed
	exec.Error = &state.StageError{
		Message:   message,
		Category:  category,
		Timestamp: e.now(),
	}
}

// backoffDelay computes the exponential retry delay for the given
// 0-indexed attempt: min(initialDelay * 2^attempt, maxDelay).
func backoffDelay(retry config.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(retry.InitialDelayMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if maxDelay := time.Duration(retry.MaxDelayMs) * time.Millisecond; maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// emit publishes a stage lifecycle event. No-op without a sink.
func (e *StageExecutor) emit(typ events.Type, req StageRequest, message string) {
	if e.sink == nil {
		return
	}
	ev := events.Event{
		Type:      typ,
		Timestamp: e.now(),
		StageName: req.Stage.Name,
		Message:   message,
	}
	if req.Snapshot != nil {
		ev.State = req.Snapshot()
	}
	e.sink.Emit(ev)
}

func (e *StageExecutor) log(msg string, kvs ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Info(msg, kvs...)
}
