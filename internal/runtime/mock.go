package runtime

import (
	"context"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// Compile-time check that MockRuntime implements Runtime.
var _ Runtime = (*MockRuntime)(nil)

// MockRuntime is a configurable Runtime for tests. It records every
// ExecRequest and supports scripted behavior via function fields and
// builder methods.
type MockRuntime struct {
	// RuntimeName is the value returned by Name(). Defaults to "mock".
	RuntimeName string

	// ExecuteFunc, when set, fully replaces the default Execute behavior.
	ExecuteFunc func(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// Lines are emitted to req.OnLine, in order, before exiting.
	Lines []string

	// ExitCode is the reported exit code. Default 0.
	ExitCode int

	// Stderr is the reported stderr content.
	Stderr string

	// Usage is the reported token usage; nil means none.
	Usage *state.TokenUsage

	// Delay makes Execute sleep before exiting, honouring ctx. Used to
	// exercise timeouts and cancellation.
	Delay time.Duration

	// ValidateResult is returned by Validate. Defaults to OK.
	ValidateResult *Validation

	// Calls records every ExecRequest passed to Execute, in order.
	Calls []ExecRequest
}

// NewMockRuntime creates a MockRuntime named "mock" that succeeds
// immediately with no output.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{RuntimeName: "mock"}
}

// Name returns the configured runtime name.
func (m *MockRuntime) Name() string {
	if m.RuntimeName == "" {
		return "mock"
	}
	return m.RuntimeName
}

// Validate returns ValidateResult, or OK when unset.
func (m *MockRuntime) Validate(ctx context.Context) Validation {
	if m.ValidateResult != nil {
		return *m.ValidateResult
	}
	return Validation{OK: true}
}

// Capabilities reports full support so tests exercise every path.
func (m *MockRuntime) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreaming:        true,
		SupportsTokenTracking:    true,
		SupportsStructuredOutput: true,
	}
}

// Execute records the call, emits the scripted lines, sleeps Delay (if
// any) while honouring ctx, and returns the scripted result. A cancelled
// ctx produces exit code -1, mirroring a killed subprocess.
func (m *MockRuntime) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	m.Calls = append(m.Calls, req)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}

	for _, line := range m.Lines {
		if req.OnLine != nil {
			req.OnLine(line)
		}
	}

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return &ExecResult{ExitCode: -1, Stderr: "killed"}, nil
		case <-time.After(m.Delay):
		}
	}
	if ctx.Err() != nil {
		return &ExecResult{ExitCode: -1, Stderr: "killed"}, nil
	}

	return &ExecResult{
		ExitCode:   m.ExitCode,
		Stderr:     m.Stderr,
		TokenUsage: m.Usage,
	}, nil
}

// WithLines sets the scripted stdout lines and returns the receiver.
func (m *MockRuntime) WithLines(lines ...string) *MockRuntime {
	m.Lines = lines
	return m
}

// WithExitCode sets the reported exit code and returns the receiver.
func (m *MockRuntime) WithExitCode(code int) *MockRuntime {
	m.ExitCode = code
	return m
}

// WithDelay makes Execute sleep for d and returns the receiver.
func (m *MockRuntime) WithDelay(d time.Duration) *MockRuntime {
	m.Delay = d
	return m
}
