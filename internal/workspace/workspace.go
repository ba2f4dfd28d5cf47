// Package workspace manages the isolated checkout a pipeline run executes
// in: an auxiliary worktree of the same repository bound to the pipeline
// branch, so the user's primary checkout is never disturbed and concurrent
// runs cannot collide. It also hosts the finalizer that dispatches the
// terminal merge strategy and decides the workspace's fate.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/gitx"
)

// maxBranchSafeLen bounds the workspace directory name derived from the
// branch name. Longer names are truncated and suffixed with a hash.
const maxBranchSafeLen = 60

// Workspace describes one prepared isolated checkout.
type Workspace struct {
	// Path is the worktree directory.
	Path string

	// Branch is the pipeline branch bound to the worktree.
	Branch string

	// SafeName is the filesystem-safe name derived from Branch.
	SafeName string

	// InitialCommit is the branch tip at preparation time.
	InitialCommit string

	// Strategy is the branch strategy the workspace was prepared under.
	Strategy string

	// lockPath is non-empty when a reusable-workspace lock is held.
	lockPath string
}

// Manager prepares and disposes of isolated workspaces under
// <baseDir>/worktrees/.
type Manager struct {
	vcs     gitx.VCS
	baseDir string
	logger  *log.Logger
}

// NewManager creates a Manager. vcs must operate in the primary checkout;
// baseDir is the .agent-pipeline directory. logger may be nil.
func NewManager(vcs gitx.VCS, baseDir string, logger *log.Logger) *Manager {
	return &Manager{vcs: vcs, baseDir: baseDir, logger: logger}
}

// WorktreesDir returns the directory holding the isolated checkouts.
func (m *Manager) WorktreesDir() string {
	return filepath.Join(m.baseDir, "worktrees")
}

// BranchName computes the pipeline branch name for cfg and runID per the
// configured branch strategy.
func BranchName(cfg *config.PipelineConfig, runID string) string {
	switch cfg.Git.BranchStrategy {
	case config.BranchUniquePerRun, config.BranchUniqueAndDelete:
		return fmt.Sprintf("pipeline/%s-%s", cfg.Name, runID)
	default:
		return "pipeline/" + cfg.Name
	}
}

// SafeName converts a branch name into a filesystem-safe directory name.
// Overlong names keep a readable prefix plus an xxhash64 suffix so two
// distinct branches can never collide on disk.
func SafeName(branch string) string {
	safe := strings.NewReplacer("/", "-", " ", "-", ":", "-").Replace(branch)
	if len(safe) <= maxBranchSafeLen {
		return safe
	}
	sum := xxhash.Sum64String(branch)
	return fmt.Sprintf("%s-%016x", safe[:maxBranchSafeLen-17], sum)
}

// Prepare sets up the isolated workspace for a run: computes the branch
// per the branch strategy, binds (or reuses) a worktree for it, records
// the initial commit, and — for reusable workspaces — takes the in-use
// lock so a second concurrent run refuses with a clear error.
func (m *Manager) Prepare(ctx context.Context, cfg *config.PipelineConfig, runID string) (*Workspace, error) {
	branch := BranchName(cfg, runID)
	ws := &Workspace{
		Branch:   branch,
		SafeName: SafeName(branch),
		Strategy: cfg.Git.BranchStrategy,
	}
	ws.Path = filepath.Join(m.WorktreesDir(), ws.SafeName)

	if cfg.Git.BranchStrategy == config.BranchReusable {
		lockPath, err := m.acquireLock(ws.SafeName, runID)
		if err != nil {
			return nil, err
		}
		ws.lockPath = lockPath
	}

	if err := os.MkdirAll(m.WorktreesDir(), 0o755); err != nil {
		m.releaseLock(ws)
		return nil, fmt.Errorf("workspace: creating worktrees dir: %w", err)
	}

	if info, err := os.Stat(ws.Path); err == nil && info.IsDir() {
		// An existing directory is reused only when it is still a live
		// worktree bound to our branch; anything else is a stale leftover.
		bound, berr := m.vcs.At(ws.Path).CurrentBranch(ctx)
		if berr == nil && bound == branch {
			m.log("reusing existing workspace", "path", ws.Path, "branch", branch)
			return m.finishPrepare(ctx, ws)
		}
		m.log("pruning stale workspace", "path", ws.Path)
		if err := m.vcs.WorktreeRemove(ctx, ws.Path, true); err != nil {
			// Fall back to manual removal; prune cleans the registration.
			if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
				m.releaseLock(ws)
				return nil, fmt.Errorf("workspace: removing stale workspace: %w", rmErr)
			}
		}
		if err := m.vcs.WorktreePrune(ctx); err != nil {
			m.log("worktree prune failed", "error", err)
		}
	}

	if err := m.vcs.WorktreeCreate(ctx, ws.Path, branch, cfg.Git.BaseBranch); err != nil {
		m.releaseLock(ws)
		return nil, fmt.Errorf("workspace: %w", err)
	}
	m.log("workspace prepared", "path", ws.Path, "branch", branch)
	return m.finishPrepare(ctx, ws)
}

// finishPrepare records the initial commit of the bound branch.
func (m *Manager) finishPrepare(ctx context.Context, ws *Workspace) (*Workspace, error) {
	sha, err := m.vcs.At(ws.Path).CurrentCommit(ctx)
	if err != nil {
		m.releaseLock(ws)
		return nil, fmt.Errorf("workspace: reading initial commit: %w", err)
	}
	ws.InitialCommit = sha
	return ws, nil
}

// Remove deletes the workspace directory and worktree registration, and
// optionally the pipeline branch. The reusable lock (if held) is released
// regardless of the outcome.
func (m *Manager) Remove(ctx context.Context, ws *Workspace, deleteBranch bool) error {
	defer m.releaseLock(ws)

	if err := m.vcs.WorktreeRemove(ctx, ws.Path, true); err != nil {
		m.log("worktree remove failed, removing directory manually", "error", err)
		if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
			return fmt.Errorf("workspace: removing %s: %w", ws.Path, rmErr)
		}
		if pruneErr := m.vcs.WorktreePrune(ctx); pruneErr != nil {
			m.log("worktree prune failed", "error", pruneErr)
		}
	}
	if deleteBranch {
		if err := m.vcs.DeleteBranch(ctx, ws.Branch); err != nil {
			return fmt.Errorf("workspace: %w", err)
		}
	}
	m.log("workspace removed", "path", ws.Path, "branch_deleted", deleteBranch)
	return nil
}

// ReleaseLock releases the reusable-workspace lock without removing the
// workspace. Used when the workspace is kept at end of run.
func (m *Manager) ReleaseLock(ws *Workspace) {
	m.releaseLock(ws)
}

// lockRecord is the JSON content of a reusable-workspace lock file.
type lockRecord struct {
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
}

// acquireLock takes the in-use lock for the named reusable workspace.
// A live lock held by another process is a hard error; a lock left behind
// by a dead process is broken and replaced.
func (m *Manager) acquireLock(safeName, runID string) (string, error) {
	locksDir := filepath.Join(m.baseDir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: creating locks dir: %w", err)
	}
	lockPath := filepath.Join(locksDir, safeName+".lock")

	if data, err := os.ReadFile(lockPath); err == nil {
		var existing lockRecord
		if json.Unmarshal(data, &existing) == nil && pidAlive(existing.PID) {
			return "", fmt.Errorf(
				"workspace: reusable workspace %q is in use by run %s (pid %d); wait for it to finish or switch to branchStrategy: unique-per-run",
				safeName, existing.RunID, existing.PID)
		}
		m.log("breaking stale workspace lock", "path", lockPath)
	}

	rec := lockRecord{
		Token:     uuid.NewString(),
		PID:       os.Getpid(),
		RunID:     runID,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("workspace: marshalling lock: %w", err)
	}
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		return "", fmt.Errorf("workspace: writing lock: %w", err)
	}
	return lockPath, nil
}

func (m *Manager) releaseLock(ws *Workspace) {
	if ws == nil || ws.lockPath == "" {
		return
	}
	if err := os.Remove(ws.lockPath); err != nil && !os.IsNotExist(err) {
		m.log("releasing workspace lock failed", "path", ws.lockPath, "error", err)
	}
	ws.lockPath = ""
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *Manager) log(msg string, kvs ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Debug(msg, kvs...)
}
