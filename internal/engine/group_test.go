package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/runtime"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// layerOf builds a Layer from bare stage names.
func layerOf(names ...string) Layer {
	l := Layer{}
	for _, name := range names {
		l.Stages = append(l.Stages, config.StageConfig{
			Name:     name,
			AgentRef: "agent",
			Retry:    config.RetryConfig{MaxAttempts: 1, InitialDelayMs: 1, MaxDelayMs: 1, Backoff: config.DefaultBackoff},
		})
	}
	return l
}

func groupFixture(t *testing.T, mock *runtime.MockRuntime) (*GroupExecutor, func(config.StageConfig) StageRequest) {
	t.Helper()
	exec := newStageExecutor(t, mock, nil)
	group := NewGroupExecutor(exec)
	handover := t.TempDir()
	workdir := t.TempDir()
	reqFor := func(sc config.StageConfig) StageRequest {
		return StageRequest{
			Stage:       sc,
			RunID:       "r-group",
			Pipeline:    "p",
			WorkDir:     workdir,
			HandoverDir: handover,
			Runtime:     "mock",
		}
	}
	return group, reqFor
}

func execByName(execs []state.StageExecution, name string) *state.StageExecution {
	for i := range execs {
		if execs[i].StageName == name {
			return &execs[i]
		}
	}
	return nil
}

func TestExecuteLayer_ParallelAllSucceed(t *testing.T) {
	t.Parallel()

	mock := runtime.NewMockRuntime()
	group, reqFor := groupFixture(t, mock)

	res := group.ExecuteLayer(context.Background(), layerOf("a", "b", "c"),
		config.ModeParallel, 0, reqFor)

	assert.True(t, res.AllSucceeded)
	assert.False(t, res.AnyFailed)
	require.Len(t, res.Executions, 3)
	for _, name := range []string{"a", "b", "c"} {
		require.NotNil(t, execByName(res.Executions, name))
		assert.Equal(t, state.StageSuccess, execByName(res.Executions, name).Status)
	}
}

func TestExecuteLayer_SiblingFailureDoesNotInterrupt(t *testing.T) {
	t.Parallel()

	mock := runtime.NewMockRuntime()
	mock.ExecuteFunc = func(ctx context.Context, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		// Identify the failing stage by its fail=yes input; "b" fails,
		// siblings succeed after a short delay.
		if ctx.Err() != nil {
			return &runtime.ExecResult{ExitCode: -1}, nil
		}
		if req.Prompt != "" && req.AgentRef == "agent" && req.Inputs["fail"] == "yes" {
			return &runtime.ExecResult{ExitCode: 9}, nil
		}
		time.Sleep(50 * time.Millisecond)
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	group, reqFor := groupFixture(t, mock)

	layer := layerOf("a", "b", "c")
	layer.Stages[1].Inputs = map[string]string{"fail": "yes"}

	res := group.ExecuteLayer(context.Background(), layer, config.ModeParallel, 0, reqFor)

	assert.True(t, res.AnyFailed)
	assert.False(t, res.AllSucceeded)
	assert.Equal(t, state.StageFailed, execByName(res.Executions, "b").Status)
	assert.Equal(t, state.StageSuccess, execByName(res.Executions, "a").Status,
		"a sibling's failure must not interrupt the rest of the layer")
	assert.Equal(t, state.StageSuccess, execByName(res.Executions, "c").Status)
}

func TestExecuteLayer_ParallelismCap(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	mock := runtime.NewMockRuntime()
	mock.ExecuteFunc = func(ctx context.Context, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	group, reqFor := groupFixture(t, mock)

	res := group.ExecuteLayer(context.Background(), layerOf("a", "b", "c", "d", "e", "f"),
		config.ModeParallel, 2, reqFor)

	assert.True(t, res.AllSucceeded)
	assert.LessOrEqual(t, peak.Load(), int32(2), "at most maxParallel stages admitted at once")
}

func TestExecuteLayer_SequentialOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mock := runtime.NewMockRuntime()
	mock.ExecuteFunc = func(ctx context.Context, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		order = append(order, req.Inputs["name"])
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	group, reqFor := groupFixture(t, mock)

	layer := layerOf("first", "second", "third")
	for i := range layer.Stages {
		layer.Stages[i].Inputs = map[string]string{"name": layer.Stages[i].Name}
	}

	res := group.ExecuteLayer(context.Background(), layer, config.ModeSequential, 0, reqFor)

	assert.True(t, res.AllSucceeded)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	names := make([]string, len(res.Executions))
	for i, e := range res.Executions {
		names[i] = e.StageName
	}
	assert.Equal(t, []string{"first", "second", "third"}, names,
		"sequential mode records declaration order")
}

func TestExecuteLayer_AbortBeforeStart(t *testing.T) {
	t.Parallel()

	mock := runtime.NewMockRuntime()
	group, reqFor := groupFixture(t, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, mode := range []string{config.ModeParallel, config.ModeSequential} {
		res := group.ExecuteLayer(ctx, layerOf("a", "b"), mode, 0, reqFor)
		assert.False(t, res.AllSucceeded, mode)
		assert.False(t, res.AnyFailed, mode, "skipped stages are not failures")
		for _, exec := range res.Executions {
			assert.Equal(t, state.StageSkipped, exec.Status, mode)
		}
	}
	assert.Empty(t, mock.Calls, "no runtime invocations after abort")
}

func TestExecuteLayer_SequentialAbortMidLayer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	mock := runtime.NewMockRuntime()
	mock.ExecuteFunc = func(_ context.Context, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		cancel() // abort fires while the first stage is running
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	group, reqFor := groupFixture(t, mock)

	res := group.ExecuteLayer(ctx, layerOf("first", "rest"), config.ModeSequential, 0, reqFor)

	require.Len(t, res.Executions, 2)
	assert.Equal(t, state.StageSkipped, execByName(res.Executions, "rest").Status,
		"stages after the abort are skipped")
	assert.Len(t, mock.Calls, 1)
}
