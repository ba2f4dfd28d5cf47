package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// Compile-time check that ClaudeRuntime implements Runtime.
var _ Runtime = (*ClaudeRuntime)(nil)

// claudeLogger is the minimal logging interface ClaudeRuntime needs.
type claudeLogger interface {
	Debug(msg interface{}, keyvals ...interface{})
}

// maxInlinePromptBytes is the threshold above which a prompt is written to
// a temp file and fed via stdin instead of being passed on the command
// line.
const maxInlinePromptBytes = 100 * 1024 // 100 KiB

// maxLineBytes bounds a single stdout line; agent tool output can be large.
const maxLineBytes = 1 << 20

// ClaudeConfig configures the Claude CLI adapter.
type ClaudeConfig struct {
	// Command is the CLI executable. Defaults to "claude".
	Command string

	// Model is the default model identifier; overridable per request.
	Model string

	// PermissionMode is passed via --permission-mode when set.
	PermissionMode string

	// ExtraArgs are appended verbatim to the command line.
	ExtraArgs []string
}

// ClaudeRuntime executes prompts via the Claude CLI in print mode. Stdout
// is streamed line by line to the caller; the final line of a run carries
// a JSON result with token usage when the CLI supports it.
type ClaudeRuntime struct {
	config ClaudeConfig
	logger claudeLogger
}

// NewClaudeRuntime creates a ClaudeRuntime. logger may be nil, in which
// case debug messages are discarded.
func NewClaudeRuntime(config ClaudeConfig, logger claudeLogger) *ClaudeRuntime {
	return &ClaudeRuntime{config: config, logger: logger}
}

// Name returns "claude".
func (c *ClaudeRuntime) Name() string { return "claude" }

// Validate verifies that the Claude CLI executable is on PATH.
func (c *ClaudeRuntime) Validate(ctx context.Context) Validation {
	cmd := c.command()
	if _, err := exec.LookPath(cmd); err != nil {
		return Validation{
			Errors: []string{fmt.Sprintf(
				"claude CLI not found (looked for %q): install it from https://docs.anthropic.com/en/docs/claude-cli", cmd)},
		}
	}
	return Validation{OK: true}
}

// Capabilities reports the Claude CLI feature set.
func (c *ClaudeRuntime) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreaming:        true,
		SupportsTokenTracking:    true,
		SupportsStructuredOutput: true,
		PermissionModes:          []string{"default", "acceptEdits", "bypassPermissions", "plan"},
	}
}

// claudeResult is the JSON result object the CLI prints as its final line
// in json output mode.
type claudeResult struct {
	Type     string `json:"type"`
	NumTurns int    `json:"num_turns"`
	Usage    struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// Execute runs one prompt via the Claude CLI. Each stdout line is
// forwarded to req.OnLine as it arrives; stderr is captured whole. The
// subprocess runs in its own process group so ctx cancellation kills the
// full tree with SIGTERM-then-SIGKILL escalation.
func (c *ClaudeRuntime) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	cmd, cleanup, err := c.buildCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.logger != nil {
		c.logger.Debug("running claude",
			"command", cmd.Path,
			"args", cmd.Args,
			"work_dir", cmd.Dir,
		)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: claude: creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: claude: creating stderr pipe: %w", err)
	}

	var (
		stderrBuf bytes.Buffer
		lastLine  string
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			lastLine = line
			if req.OnLine != nil {
				req.OnLine(line)
			}
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = stderrBuf.ReadFrom(stderrPipe)
	}()

	if err := cmd.Start(); err != nil {
		// Go closes the write ends of the pipes on Start failure, so the
		// reader goroutines see EOF and exit.
		wg.Wait()
		return nil, fmt.Errorf("runtime: claude: starting: %w", err)
	}

	wg.Wait()
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			// Killed by cancellation; report the collected output with a
			// conventional signal exit code.
			exitCode = -1
		} else {
			return nil, fmt.Errorf("runtime: claude: waiting: %w", waitErr)
		}
	}

	return &ExecResult{
		ExitCode:   exitCode,
		Stderr:     stderrBuf.String(),
		TokenUsage: parseTokenUsage(lastLine),
	}, nil
}

// parseTokenUsage decodes the CLI's final JSON result line into a
// TokenUsage record. Returns nil when the line is not a result object.
func parseTokenUsage(line string) *state.TokenUsage {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	var res claudeResult
	if err := json.Unmarshal([]byte(line), &res); err != nil || res.Type != "result" {
		return nil
	}
	return &state.TokenUsage{
		ActualInput:   res.Usage.InputTokens,
		Output:        res.Usage.OutputTokens,
		CacheRead:     res.Usage.CacheReadTokens,
		CacheCreation: res.Usage.CacheCreationTokens,
		NumTurns:      res.NumTurns,
	}
}

// buildCommand assembles the exec.Cmd for req. Large prompts are fed via
// stdin from a temp file to stay under argv limits; the returned cleanup
// removes that file.
func (c *ClaudeRuntime) buildCommand(ctx context.Context, req ExecRequest) (*exec.Cmd, func(), error) {
	args := []string{"--print"}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if c.config.PermissionMode != "" {
		args = append(args, "--permission-mode", c.config.PermissionMode)
	}
	args = append(args, c.config.ExtraArgs...)

	var cleanup func()
	inlinePrompt := len(req.Prompt) <= maxInlinePromptBytes
	if inlinePrompt {
		args = append(args, req.Prompt)
	}

	cmd := exec.CommandContext(ctx, c.command(), args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), execEnv(req)...)
	setProcGroup(cmd)

	if !inlinePrompt {
		f, err := os.CreateTemp("", "corvus-prompt-*.md")
		if err != nil {
			return nil, nil, fmt.Errorf("runtime: claude: creating prompt temp file: %w", err)
		}
		if _, err := f.WriteString(req.Prompt); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, nil, fmt.Errorf("runtime: claude: writing prompt temp file: %w", err)
		}
		if _, err := f.Seek(0, 0); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, nil, fmt.Errorf("runtime: claude: rewinding prompt temp file: %w", err)
		}
		cmd.Stdin = f
		cleanup = func() {
			f.Close()
			os.Remove(f.Name())
		}
	}

	return cmd, cleanup, nil
}

// execEnv maps the request's handover directory and declared inputs to
// environment variables. Input keys are upper-cased and prefixed so the
// agent sees CORVUS_INPUT_<KEY>.
func execEnv(req ExecRequest) []string {
	env := []string{"CORVUS_HANDOVER_DIR=" + req.HandoverDir}
	keys := make([]string, 0, len(req.Inputs))
	for k := range req.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "CORVUS_INPUT_"+strings.ToUpper(k)+"="+req.Inputs[k])
	}
	return env
}

func (c *ClaudeRuntime) command() string {
	if c.config.Command != "" {
		return c.config.Command
	}
	return "claude"
}
