package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/gitx"
)

// internalIgnores are always excluded from auto-commits: the pipeline's
// own bookkeeping must never end up in a stage commit.
var internalIgnores = []string{".agent-pipeline/**"}

// CommitManager creates at most one commit per dirty stage snapshot. It
// serializes commits at the workspace level: no two stages of a run may
// commit concurrently.
type CommitManager struct {
	mu     sync.Mutex
	vcs    gitx.VCS
	logger *log.Logger
}

// NewCommitManager creates a CommitManager over the workspace checkout.
// logger may be nil.
func NewCommitManager(vcs gitx.VCS, logger *log.Logger) *CommitManager {
	return &CommitManager{vcs: vcs, logger: logger}
}

// CommitIfDirty commits the pending changes of the checkout at workdir on
// its current branch with the given message and returns the commit SHA
// and the committed paths. A clean worktree returns ("", nil, nil): two
// calls on a clean tree both return none, one dirty snapshot yields
// exactly one commit.
//
// Paths matching ignorePatterns (doublestar globs) or the pipeline's own
// bookkeeping directory are not staged; when every changed path is
// ignored the tree counts as clean.
func (cm *CommitManager) CommitIfDirty(ctx context.Context, workdir, message string, ignorePatterns []string) (string, []string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	vcs := cm.vcs
	if workdir != "" {
		vcs = cm.vcs.At(workdir)
	}

	dirty, err := vcs.IsDirty(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("commit: checking status: %w", err)
	}
	if !dirty {
		return "", nil, nil
	}

	changed, err := vcs.StatusPaths(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("commit: listing changes: %w", err)
	}

	patterns := append(append([]string{}, internalIgnores...), ignorePatterns...)
	kept := filterIgnored(changed, patterns)
	if len(kept) == 0 {
		cm.log("all changed paths ignored, skipping commit", "changed", len(changed))
		return "", nil, nil
	}

	if len(kept) == len(changed) {
		if err := vcs.StageAll(ctx); err != nil {
			return "", nil, fmt.Errorf("commit: %w", err)
		}
	} else if err := vcs.StagePaths(ctx, kept); err != nil {
		return "", nil, fmt.Errorf("commit: %w", err)
	}

	sha, err := vcs.Commit(ctx, message)
	if err != nil {
		// Staging raced with a concurrent revert: nothing ended up in the
		// index. Treat as clean rather than failing the stage.
		if strings.Contains(err.Error(), "nothing to commit") {
			cm.log("nothing to commit after staging, treating as clean")
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("commit: %w", err)
	}

	cm.log("stage changes committed", "sha", sha, "files", len(kept))
	return sha, kept, nil
}

// filterIgnored drops paths matching any of the doublestar patterns.
// Invalid patterns were rejected at config-validation time; a pattern that
// still fails to match is skipped.
func filterIgnored(paths, patterns []string) []string {
	var kept []string
	for _, p := range paths {
		ignored := false
		for _, pat := range patterns {
			if ok, err := doublestar.Match(pat, p); err == nil && ok {
				ignored = true
				break
			}
		}
		if !ignored {
			kept = append(kept, p)
		}
	}
	return kept
}

func (cm *CommitManager) log(msg string, kvs ...any) {
	if cm.logger == nil {
		return
	}
	cm.logger.Debug(msg, kvs...)
}
