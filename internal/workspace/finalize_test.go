package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/events"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/githubpr"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/gitx"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

type fakeProvider struct {
	exists      bool
	existsCalls int
	createCalls int
	lastOpts    githubpr.CreateOpts
}

func (f *fakeProvider) PRExists(ctx context.Context, branch, base string) (bool, error) {
	f.existsCalls++
	return f.exists, nil
}

func (f *fakeProvider) CreatePR(ctx context.Context, branch, base string, opts githubpr.CreateOpts) (*githubpr.PR, error) {
	f.createCalls++
	f.lastOpts = opts
	return &githubpr.PR{URL: "https://example.com/o/r/pull/3", Number: 3}, nil
}

type collectingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collectingSink) Emit(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectingSink) countType(typ events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// finalizeFixture prepares a workspace with one committed stage change and
// a matching PipelineState in completed status.
type finalizeFixture struct {
	repoDir   string
	client    *gitx.Client
	manager   *Manager
	provider  *fakeProvider
	sink      *collectingSink
	finalizer *Finalizer
	ws        *Workspace
	st        *state.PipelineState
	cfg       *config.PipelineConfig
}

func newFinalizeFixture(t *testing.T, strategy, merge string) *finalizeFixture {
	t.Helper()

	repoDir, client := initRepo(t)
	baseDir := filepath.Join(repoDir, ".agent-pipeline")
	manager := NewManager(client, baseDir, nil)
	provider := &fakeProvider{}
	sink := &collectingSink{}
	finalizer := NewFinalizer(client, manager, provider,
		WithFinalizerSink(sink),
		WithFinalizerClock(time.Now, func(ctx context.Context, d time.Duration) {}),
	)

	cfg := pipelineCfg("fin", strategy)
	cfg.Git.MergeStrategy = merge

	ws, err := manager.Prepare(context.Background(), cfg, "r-fin")
	require.NoError(t, err)

	// One committed change on the pipeline branch.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "stage.txt"), []byte("work\n"), 0o644))
	wsClient := client.At(ws.Path)
	require.NoError(t, wsClient.StageAll(context.Background()))
	sha, err := wsClient.Commit(context.Background(), "pipeline(fin): stage")
	require.NoError(t, err)

	st := state.New("r-fin", *cfg, state.Trigger{Type: "manual", Timestamp: time.Now().UTC()}, time.Now().UTC().Add(-time.Minute))
	st.Status = state.StatusCompleted
	st.Artifacts.Branch = ws.Branch
	st.Artifacts.InitialCommit = ws.InitialCommit
	st.Stages = append(st.Stages, state.StageExecution{
		StageName: "stage",
		Status:    state.StageSuccess,
		CommitSha: sha,
	})

	return &finalizeFixture{
		repoDir:   repoDir,
		client:    client,
		manager:   manager,
		provider:  provider,
		sink:      sink,
		finalizer: finalizer,
		ws:        ws,
		st:        st,
		cfg:       cfg,
	}
}

func TestFinalize_ComputesFinalCommitAndDuration(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchReusable, config.MergeNone)
	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	assert.NotNil(t, fx.st.EndTime)
	assert.Greater(t, fx.st.Artifacts.TotalDuration, 0.0)
	assert.Len(t, fx.st.Artifacts.FinalCommit, 40)
	assert.NotEqual(t, fx.st.Artifacts.InitialCommit, fx.st.Artifacts.FinalCommit)
	assert.DirExists(t, fx.ws.Path, "merge strategy none keeps the workspace")
}

func TestFinalize_LocalMergeIntoCleanPrimary(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchReusable, config.MergeLocalMerge)
	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	// main (checked out at the primary, clean) now contains the stage
	// commit.
	out := git(t, fx.repoDir, "log", "main", "--oneline")
	assert.Contains(t, out, "pipeline(fin): stage")
}

func TestFinalize_LocalMergeDirtyPrimaryLeavesBranch(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchReusable, config.MergeLocalMerge)
	require.NoError(t, os.WriteFile(filepath.Join(fx.repoDir, "wip.txt"), []byte("dirty\n"), 0o644))

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws),
		"a dirty base checkout is advisory, not an error")

	out := git(t, fx.repoDir, "log", "main", "--oneline")
	assert.NotContains(t, out, "pipeline(fin): stage", "work stays on the pipeline branch")
}

func TestFinalize_PullRequestFlow(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchUniquePerRun, config.MergePullRequest)

	// A bare origin makes the push step real.
	bare := t.TempDir()
	git(t, bare, "init", "--bare")
	git(t, fx.repoDir, "remote", "add", "origin", bare)

	fx.cfg.Git.PullRequest = config.PullRequestConfig{
		Title: "{{pipeline}} run {{runId}}",
		Body:  "Automated by {{pipeline}}",
		Draft: true,
	}

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	assert.Empty(t, fx.st.Artifacts.PRError)
	require.NotNil(t, fx.st.Artifacts.PullRequest)
	assert.Equal(t, 3, fx.st.Artifacts.PullRequest.Number)
	assert.Equal(t, fx.ws.Branch, fx.st.Artifacts.PullRequest.Branch)

	assert.Equal(t, 1, fx.provider.existsCalls)
	assert.Equal(t, 1, fx.provider.createCalls)
	assert.Equal(t, "fin run r-fin", fx.provider.lastOpts.Title)
	assert.Equal(t, "Automated by fin", fx.provider.lastOpts.Body)
	assert.True(t, fx.provider.lastOpts.Draft)
	assert.Equal(t, 1, fx.sink.countType(events.PRCreated))

	// The branch made it to the remote.
	out := git(t, bare, "branch", "--list")
	assert.Contains(t, out, fx.ws.Branch)
}

func TestFinalize_ExistingPRSkipsCreation(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchUniquePerRun, config.MergePullRequest)
	fx.provider.exists = true

	bare := t.TempDir()
	git(t, bare, "init", "--bare")
	git(t, fx.repoDir, "remote", "add", "origin", bare)

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	assert.Equal(t, 1, fx.provider.existsCalls)
	assert.Equal(t, 0, fx.provider.createCalls)
	assert.Nil(t, fx.st.Artifacts.PullRequest)
	assert.Empty(t, fx.st.Artifacts.PRError)
}

func TestFinalize_PushFailureRecordedNeverFatal(t *testing.T) {
	t.Parallel()

	// No origin remote: every push attempt fails. The run must still
	// finalize cleanly with the error recorded.
	fx := newFinalizeFixture(t, config.BranchUniquePerRun, config.MergePullRequest)

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	assert.Contains(t, fx.st.Artifacts.PRError, "pushing branch")
	assert.Nil(t, fx.st.Artifacts.PullRequest)
	assert.Equal(t, 0, fx.provider.createCalls)
	assert.Equal(t, state.StatusCompleted, fx.st.Status, "push failure never demotes a completed run")
}

func TestFinalize_AbortedRunLeftInPlace(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchUniqueAndDelete, config.MergeLocalMerge)
	fx.st.Status = state.StatusAborted

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	assert.DirExists(t, fx.ws.Path, "aborted runs keep the workspace")
	out := git(t, fx.repoDir, "log", "main", "--oneline")
	assert.NotContains(t, out, "pipeline(fin): stage", "aborted runs never merge")
}

func TestFinalize_UniqueAndDeleteCleansUpOnSuccess(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchUniqueAndDelete, config.MergeLocalMerge)
	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	_, statErr := os.Stat(fx.ws.Path)
	assert.True(t, os.IsNotExist(statErr), "workspace removed on success")

	exists, err := fx.client.BranchExists(context.Background(), fx.ws.Branch)
	require.NoError(t, err)
	assert.False(t, exists, "branch removed on success")
}

func TestFinalize_UniqueAndDeleteKeptOnFailure(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchUniqueAndDelete, config.MergeNone)
	fx.st.Status = state.StatusFailed

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))
	assert.DirExists(t, fx.ws.Path, "failed runs keep the workspace for debugging")
}

func TestFinalize_CopiesHandoverToPrimary(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchReusable, config.MergeNone)

	handover := filepath.Join(fx.ws.Path, ".agent-pipeline", "outputs", "r-fin")
	require.NoError(t, os.MkdirAll(handover, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(handover, "stage-output.json"), []byte("{}\n"), 0o644))
	fx.st.Artifacts.HandoverDir = handover

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	mirror := filepath.Join(fx.repoDir, ".agent-pipeline", "outputs", "r-fin")
	assert.Equal(t, mirror, fx.st.Artifacts.MainRepoHandoverDir)
	assert.FileExists(t, filepath.Join(mirror, "stage-output.json"))
	assert.FileExists(t, filepath.Join(mirror, "pipeline-summary.json"))
}

func TestFinalize_NoCommitsSkipsMerge(t *testing.T) {
	t.Parallel()

	fx := newFinalizeFixture(t, config.BranchReusable, config.MergeLocalMerge)
	fx.st.Stages = nil // pretend no stage committed

	require.NoError(t, fx.finalizer.Finalize(context.Background(), fx.st, fx.cfg, fx.ws))

	out := git(t, fx.repoDir, "log", "main", "--oneline")
	assert.NotContains(t, out, "pipeline(fin): stage")
}
