package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/events"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/githubpr"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/gitx"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
)

// pushAttempts bounds the push retry loop; transient network failures get
// exponential backoff between attempts.
const pushAttempts = 3

// Finalizer dispatches the terminal merge strategy, copies the handover
// directory back to the primary checkout, and decides the workspace's
// disposition per the branch strategy.
type Finalizer struct {
	vcs      gitx.VCS
	manager  *Manager
	provider githubpr.Provider
	sink     events.Sink
	logger   *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithFinalizerSink attaches the event sink that receives pr.created.
func WithFinalizerSink(sink events.Sink) FinalizerOption {
	return func(f *Finalizer) { f.sink = sink }
}

// WithFinalizerLogger attaches a logger.
func WithFinalizerLogger(logger *log.Logger) FinalizerOption {
	return func(f *Finalizer) { f.logger = logger }
}

// WithFinalizerClock overrides the time source and backoff sleeper.
func WithFinalizerClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration)) FinalizerOption {
	return func(f *Finalizer) {
		f.now = now
		f.sleep = sleep
	}
}

// NewFinalizer creates a Finalizer. provider may be nil when no
// pull-request strategy is in use.
func NewFinalizer(vcs gitx.VCS, manager *Manager, provider githubpr.Provider, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		vcs:      vcs,
		manager:  manager,
		provider: provider,
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize completes a run whose status is already terminal: it computes
// the final commit and total duration, dispatches the merge strategy,
// copies the handover directory back to the primary checkout, writes the
// run summary, and disposes of the workspace.
//
// Push and PR failures are recorded in st.Artifacts.PRError and never
// change a terminal completed status. A local-merge conflict is the one
// fatal path: the returned error tells the coordinator to end the run
// failed, with the merge workspace preserved for the user.
func (f *Finalizer) Finalize(ctx context.Context, st *state.PipelineState, cfg *config.PipelineConfig, ws *Workspace) error {
	end := f.now()
	st.EndTime = &end
	st.Artifacts.TotalDuration = end.Sub(st.StartTime).Seconds()

	if sha, err := f.vcs.At(ws.Path).CurrentCommit(ctx); err == nil {
		st.Artifacts.FinalCommit = sha
	} else {
		f.log("reading final commit failed", "error", err)
	}

	// An aborted run is left exactly as it stopped: no merge, no cleanup,
	// only the handover copy so partial artifacts are not trapped in the
	// workspace.
	if st.Status == state.StatusAborted {
		f.copyHandover(st, ws)
		f.writeSummary(st)
		f.manager.ReleaseLock(ws)
		return nil
	}

	var mergeErr error
	if !st.HasCommits() && cfg.Git.MergeStrategy != config.MergeNone {
		f.log("no stage produced a commit, skipping merge",
			"strategy", cfg.Git.MergeStrategy, "run", st.RunID)
	} else {
		switch cfg.Git.MergeStrategy {
		case config.MergeNone:
			// Branch stays in place; nothing to do.
		case config.MergePullRequest:
			f.pullRequestFlow(ctx, st, cfg, ws)
		case config.MergeLocalMerge:
			mergeErr = f.localMergeFlow(ctx, st, cfg, ws)
		}
	}

	f.copyHandover(st, ws)
	f.writeSummary(st)

	if mergeErr != nil {
		// Keep the workspace for conflict resolution.
		f.manager.ReleaseLock(ws)
		return mergeErr
	}

	f.dispose(ctx, st, cfg, ws)
	return nil
}

// pullRequestFlow pushes the pipeline branch and creates the PR. Every
// failure lands in artifacts.prError; none are fatal.
func (f *Finalizer) pullRequestFlow(ctx context.Context, st *state.PipelineState, cfg *config.PipelineConfig, ws *Workspace) {
	if err := f.pushWithRetry(ctx, ws.Branch); err != nil {
		st.Artifacts.PRError = fmt.Sprintf("pushing branch: %v", err)
		f.log("push failed, skipping PR creation", "branch", ws.Branch, "error", err)
		return
	}

	if f.provider == nil {
		st.Artifacts.PRError = "no PR provider configured"
		return
	}

	exists, err := f.provider.PRExists(ctx, ws.Branch, cfg.Git.BaseBranch)
	if err != nil {
		st.Artifacts.PRError = fmt.Sprintf("checking for existing PR: %v", err)
		return
	}
	if exists {
		f.log("PR already exists for branch, skipping creation", "branch", ws.Branch)
		return
	}

	vars := config.TemplateVars{
		Pipeline: cfg.Name,
		RunID:    st.RunID,
		Branch:   ws.Branch,
		Trigger:  st.Trigger.Type,
	}
	title := config.RenderTemplate(cfg.Git.PullRequest.Title, vars)
	if title == "" {
		title = fmt.Sprintf("%s: pipeline run %s", cfg.Name, st.RunID)
	}
	body := config.RenderTemplate(cfg.Git.PullRequest.Body, vars)

	pr, err := f.provider.CreatePR(ctx, ws.Branch, cfg.Git.BaseBranch, githubpr.CreateOpts{
		Title: title,
		Body:  body,
		Draft: cfg.Git.PullRequest.Draft,
	})
	if err != nil {
		st.Artifacts.PRError = err.Error()
		f.log("PR creation failed", "error", err)
		return
	}

	st.Artifacts.PullRequest = &state.PullRequestRef{
		URL:    pr.URL,
		Number: pr.Number,
		Branch: ws.Branch,
	}
	f.emit(events.Event{
		Type:    events.PRCreated,
		State:   st.Clone(),
		PRURL:   pr.URL,
		Message: fmt.Sprintf("pull request #%d created", pr.Number),
	})
}

// pushWithRetry pushes branch to origin with bounded exponential backoff.
func (f *Finalizer) pushWithRetry(ctx context.Context, branch string) error {
	var lastErr error
	for attempt := 0; attempt < pushAttempts; attempt++ {
		if attempt > 0 {
			f.sleep(ctx, time.Duration(1<<attempt)*time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The branch ref is shared, so the push runs from the primary
		// checkout.
		if lastErr = f.vcs.Push(ctx, branch); lastErr == nil {
			return nil
		}
		f.log("push attempt failed", "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

// localMergeFlow merges the pipeline branch into the base branch. Where
// the merge happens depends on where baseBranch is checked out:
//
//   - at the primary checkout with a clean worktree: merge there;
//   - checked out but dirty: advisory log, work stays on the branch;
//   - not checked out anywhere: auxiliary worktree bound to baseBranch,
//     merged there, then removed.
//
// A merge conflict leaves the merging worktree in place and returns an
// error so the run ends failed.
func (f *Finalizer) localMergeFlow(ctx context.Context, st *state.PipelineState, cfg *config.PipelineConfig, ws *Workspace) error {
	base := cfg.Git.BaseBranch

	checkoutPath, err := f.vcs.IsBranchCheckedOut(ctx, base)
	if err != nil {
		return fmt.Errorf("finalize: locating base branch checkout: %w", err)
	}

	if checkoutPath != "" {
		target := f.vcs.At(checkoutPath)
		paths, err := target.StatusPaths(ctx)
		if err != nil {
			return fmt.Errorf("finalize: checking base checkout: %w", err)
		}
		// The pipeline's own bookkeeping directory is not a user change.
		bookkeeping, _ := filepath.Rel(checkoutPath, f.manager.baseDir)
		bookkeeping = filepath.ToSlash(bookkeeping) + "/"
		dirty := false
		for _, p := range paths {
			if !strings.HasPrefix(p, bookkeeping) {
				dirty = true
				break
			}
		}
		if dirty {
			f.log("base branch checkout is dirty, leaving work on pipeline branch",
				"base", base, "path", checkoutPath, "branch", ws.Branch)
			return nil
		}
		if err := target.Merge(ctx, ws.Branch); err != nil {
			return fmt.Errorf("finalize: merging %s into %s: %w", ws.Branch, base, err)
		}
		f.log("merged pipeline branch into base checkout", "base", base, "branch", ws.Branch)
		return nil
	}

	// Base branch is not checked out anywhere: merge in a throwaway
	// auxiliary worktree.
	auxPath := filepath.Join(f.manager.WorktreesDir(), ws.SafeName+"-merge")
	if err := f.vcs.WorktreeCreate(ctx, auxPath, base, ""); err != nil {
		return fmt.Errorf("finalize: creating merge workspace: %w", err)
	}
	if err := f.vcs.At(auxPath).Merge(ctx, ws.Branch); err != nil {
		// Leave the auxiliary workspace for the user to resolve.
		f.log("merge conflict, auxiliary workspace preserved", "path", auxPath, "error", err)
		return fmt.Errorf("finalize: merging %s into %s (resolve in %s): %w", ws.Branch, base, auxPath, err)
	}
	if err := f.vcs.WorktreeRemove(ctx, auxPath, false); err != nil {
		f.log("removing merge workspace failed", "path", auxPath, "error", err)
	}
	f.log("merged pipeline branch via auxiliary workspace", "base", base, "branch", ws.Branch)
	return nil
}

// dispose applies the workspace disposition rules of the branch strategy.
func (f *Finalizer) dispose(ctx context.Context, st *state.PipelineState, cfg *config.PipelineConfig, ws *Workspace) {
	switch cfg.Git.BranchStrategy {
	case config.BranchUniqueAndDelete:
		if st.Status == state.StatusCompleted || st.Status == state.StatusPartial {
			// Work is preserved on the base branch or the remote; the
			// local branch may go. A created PR guarantees the remote copy.
			if err := f.manager.Remove(ctx, ws, true); err != nil {
				f.log("workspace cleanup failed", "error", err)
			}
			return
		}
		f.log("keeping workspace for debugging", "path", ws.Path, "status", st.Status)
		f.manager.ReleaseLock(ws)
	default:
		// reusable and unique-per-run keep the workspace for inspection.
		f.manager.ReleaseLock(ws)
	}
}

// copyHandover mirrors the workspace's per-run handover directory into the
// primary checkout and records both locations in the artifacts.
func (f *Finalizer) copyHandover(st *state.PipelineState, ws *Workspace) {
	src := st.Artifacts.HandoverDir
	if src == "" {
		return
	}
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(f.manager.baseDir, "outputs", st.RunID)
	if err := os.RemoveAll(dst); err != nil {
		f.log("clearing handover mirror failed", "path", dst, "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		f.log("creating handover mirror dir failed", "error", err)
		return
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		f.log("copying handover dir failed", "error", err)
		return
	}
	st.Artifacts.MainRepoHandoverDir = dst
}

// summaryRecord is the aggregate index written next to the per-stage
// outputs.
type summaryRecord struct {
	RunID     string     `json:"runId"`
	Pipeline  string     `json:"pipeline"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  float64    `json:"duration"`
	Stages    []stageSum `json:"stages"`
	PRURL     string     `json:"prUrl,omitempty"`
}

type stageSum struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Duration  float64 `json:"duration"`
	CommitSha string  `json:"commitSha,omitempty"`
}

// writeSummary writes pipeline-summary.json into the handover mirror (or
// the workspace handover when no mirror exists). Best-effort.
func (f *Finalizer) writeSummary(st *state.PipelineState) {
	dir := st.Artifacts.MainRepoHandoverDir
	if dir == "" {
		dir = st.Artifacts.HandoverDir
	}
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	sum := summaryRecord{
		RunID:     st.RunID,
		Pipeline:  st.PipelineConfig.Name,
		Status:    st.Status,
		StartTime: st.StartTime,
		EndTime:   st.EndTime,
		Duration:  st.Artifacts.TotalDuration,
	}
	for _, se := range st.Stages {
		sum.Stages = append(sum.Stages, stageSum{
			Name:      se.StageName,
			Status:    se.Status,
			Duration:  se.Duration,
			CommitSha: se.CommitSha,
		})
	}
	if st.Artifacts.PullRequest != nil {
		sum.PRURL = st.Artifacts.PullRequest.URL
	}

	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, "pipeline-summary.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		f.log("writing run summary failed", "path", path, "error", err)
	}
}

func (f *Finalizer) emit(ev events.Event) {
	if f.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = f.now()
	}
	f.sink.Emit(ev)
}

func (f *Finalizer) log(msg string, kvs ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Info(msg, kvs...)
}
