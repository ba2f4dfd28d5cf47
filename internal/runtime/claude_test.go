package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeRuntime_Name(t *testing.T) {
	t.Parallel()
	c := NewClaudeRuntime(ClaudeConfig{}, nil)
	assert.Equal(t, "claude", c.Name())
}

func TestClaudeRuntime_ValidateMissingBinary(t *testing.T) {
	t.Parallel()

	c := NewClaudeRuntime(ClaudeConfig{Command: "corvus-definitely-not-installed"}, nil)
	v := c.Validate(context.Background())
	assert.False(t, v.OK)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "corvus-definitely-not-installed")
}

func TestClaudeRuntime_Capabilities(t *testing.T) {
	t.Parallel()

	caps := NewClaudeRuntime(ClaudeConfig{}, nil).Capabilities()
	assert.True(t, caps.SupportsStreaming)
	assert.True(t, caps.SupportsTokenTracking)
	assert.True(t, caps.SupportsStructuredOutput)
	assert.NotEmpty(t, caps.PermissionModes)
}

// TestClaudeRuntime_ExecuteStreamsLines swaps the CLI for echo so Execute
// exercises the real subprocess plumbing without an agent installed.
func TestClaudeRuntime_ExecuteStreamsLines(t *testing.T) {
	t.Parallel()

	c := NewClaudeRuntime(ClaudeConfig{Command: "echo", Model: "test-model"}, nil)

	var lines []string
	res, err := c.Execute(context.Background(), ExecRequest{
		Prompt:  "do the thing",
		WorkDir: t.TempDir(),
		OnLine:  func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "--print")
	assert.Contains(t, lines[0], "--model test-model")
	assert.Contains(t, lines[0], "do the thing")
}

func TestClaudeRuntime_ExecuteNonZeroExit(t *testing.T) {
	t.Parallel()

	c := NewClaudeRuntime(ClaudeConfig{Command: "false"}, nil)
	res, err := c.Execute(context.Background(), ExecRequest{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestClaudeRuntime_ExecuteMissingBinary(t *testing.T) {
	t.Parallel()

	c := NewClaudeRuntime(ClaudeConfig{Command: "corvus-definitely-not-installed"}, nil)
	_, err := c.Execute(context.Background(), ExecRequest{WorkDir: t.TempDir()})
	assert.Error(t, err)
}

func TestParseTokenUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want bool
	}{
		{
			name: "valid result line",
			line: `{"type":"result","num_turns":7,"usage":{"input_tokens":120,"output_tokens":45,"cache_read_input_tokens":1000,"cache_creation_input_tokens":30}}`,
			want: true,
		},
		{name: "plain text", line: "all done", want: false},
		{name: "non-result json", line: `{"type":"assistant"}`, want: false},
		{name: "malformed json", line: "{broken", want: false},
		{name: "empty", line: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := parseTokenUsage(tt.line)
			if !tt.want {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, 120, got.ActualInput)
			assert.Equal(t, 45, got.Output)
			assert.Equal(t, 1000, got.CacheRead)
			assert.Equal(t, 30, got.CacheCreation)
			assert.Equal(t, 7, got.NumTurns)
		})
	}
}

func TestExecEnv(t *testing.T) {
	t.Parallel()

	env := execEnv(ExecRequest{
		HandoverDir: "/tmp/handover",
		Inputs:      map[string]string{"scope": "engine", "budget": "small"},
	})
	assert.Equal(t, []string{
		"CORVUS_HANDOVER_DIR=/tmp/handover",
		"CORVUS_INPUT_BUDGET=small",
		"CORVUS_INPUT_SCOPE=engine",
	}, env)
}

func TestBuildCommand_LargePromptViaStdin(t *testing.T) {
	t.Parallel()

	c := NewClaudeRuntime(ClaudeConfig{Command: "echo"}, nil)
	big := strings.Repeat("x", maxInlinePromptBytes+1)

	cmd, cleanup, err := c.buildCommand(context.Background(), ExecRequest{Prompt: big})
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	defer cleanup()

	assert.NotNil(t, cmd.Stdin, "large prompts are fed via stdin")
	for _, arg := range cmd.Args {
		assert.Less(t, len(arg), maxInlinePromptBytes, "prompt must not be on the command line")
	}
}
