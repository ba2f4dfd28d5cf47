// Package runtime abstracts the agent backends that execute stage prompts.
// Each supported backend (Claude CLI today, others behind the same
// interface) is an adapter that launches the backend as a subprocess,
// streams its stdout line by line, and reports exit status and token usage.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// runtimeNameRe validates runtime names: lowercase alphanumerics and
// hyphens only.
var runtimeNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ErrNotFound is returned by Registry.Get for an unregistered runtime.
var ErrNotFound = errors.New("runtime not found")

// ErrDuplicateName is returned by Registry.Register for a name collision.
var ErrDuplicateName = errors.New("runtime already registered")

// ErrInvalidName is returned by Registry.Register for an invalid name.
var ErrInvalidName = errors.New("invalid runtime name")

// Validation is the result of a runtime prerequisite check.
type Validation struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// Capabilities describes what a runtime backend supports.
type Capabilities struct {
	SupportsStreaming        bool
	SupportsTokenTracking    bool
	SupportsStructuredOutput bool
	AvailableModels          []string
	PermissionModes          []string
}

// ExecRequest describes one stage execution handed to a runtime.
type ExecRequest struct {
	// Prompt is the fully composed prompt text.
	Prompt string

	// AgentRef is the opaque agent handle from the stage config.
	AgentRef string

	// Inputs is the stage's declared input map, exposed to the backend
	// as environment variables.
	Inputs map[string]string

	// WorkDir is the directory the subprocess runs in (the isolated
	// workspace).
	WorkDir string

	// HandoverDir is where the agent may write artifacts for later
	// stages.
	HandoverDir string

	// Model overrides the backend's default model when non-empty.
	Model string

	// OnLine receives each stdout line as it arrives, before the line is
	// interpreted. May be nil. Must not block: it is called on the
	// stream-reading goroutine.
	OnLine func(line string)
}

// ExecResult is what a runtime reports after the subprocess exits.
type ExecResult struct {
	ExitCode   int
	Stderr     string
	TokenUsage *state.TokenUsage
}

// Runtime is the capability interface one agent backend implements.
type Runtime interface {
	// Name returns the backend identifier (e.g. "claude").
	Name() string

	// Validate checks that the backend's prerequisites are satisfied
	// (CLI installed, authenticated). It never launches an agent.
	Validate(ctx context.Context) Validation

	// Capabilities describes what this backend supports.
	Capabilities() Capabilities

	// Execute runs one prompt to completion. Cancellation of ctx kills
	// the subprocess tree (SIGTERM, bounded grace, SIGKILL). Execute
	// returns an error only when the subprocess could not be launched or
	// waited on; a non-zero exit is reported via ExecResult.ExitCode.
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// Registry stores named runtimes for lookup at stage-execution time.
// Registrations happen at startup; reads are concurrency-safe afterwards.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds r under its Name. Returns ErrInvalidName for a nil runtime
// or malformed name, ErrDuplicateName for a collision.
func (r *Registry) Register(rt Runtime) error {
	if rt == nil {
		return fmt.Errorf("runtime: register: %w", ErrInvalidName)
	}
	name := rt.Name()
	if name == "" || !runtimeNameRe.MatchString(name) {
		return fmt.Errorf("runtime: register %q: %w", name, ErrInvalidName)
	}
	if _, exists := r.runtimes[name]; exists {
		return fmt.Errorf("runtime: register %q: %w", name, ErrDuplicateName)
	}
	r.runtimes[name] = rt
	return nil
}

// Get returns the runtime registered under name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("runtime: get %q: %w", name, ErrNotFound)
	}
	return rt, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.runtimes[name]
	return ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
