// Package gitx wraps git CLI operations behind the VCS capability the
// pipeline core consumes. All methods shell out to the git binary,
// following the same pattern as gh, lazygit, and k9s.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// VCS is the capability interface the engine and workspace manager depend
// on. *Client implements it against a real repository; tests substitute a
// fake.
type VCS interface {
	// CurrentCommit returns the full SHA of HEAD.
	CurrentCommit(ctx context.Context) (string, error)

	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)

	// IsDirty reports whether the index or worktree has changes.
	IsDirty(ctx context.Context) (bool, error)

	// StatusPaths returns the paths reported by git status --porcelain.
	StatusPaths(ctx context.Context) ([]string, error)

	// StageAll stages every change in the worktree.
	StageAll(ctx context.Context) error

	// StagePaths stages only the given paths.
	StagePaths(ctx context.Context, paths []string) error

	// Commit commits the staged changes and returns the new commit SHA.
	Commit(ctx context.Context, message string) (string, error)

	// CreateBranch creates name from base without checking it out.
	CreateBranch(ctx context.Context, name, base string) error

	// DeleteBranch force-deletes a local branch.
	DeleteBranch(ctx context.Context, name string) error

	// Checkout switches the worktree to the named branch.
	Checkout(ctx context.Context, name string) error

	// Push pushes branch to origin with upstream tracking.
	Push(ctx context.Context, branch string) error

	// Merge merges branch into the current branch.
	Merge(ctx context.Context, branch string) error

	// BranchExists reports whether the local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)

	// BranchTip returns the SHA at the tip of the named branch.
	BranchTip(ctx context.Context, name string) (string, error)

	// IsBranchCheckedOut returns the worktree path where name is checked
	// out, or "" when it is not checked out anywhere.
	IsBranchCheckedOut(ctx context.Context, name string) (string, error)

	// WorktreeCreate adds a worktree at path bound to branch, creating
	// the branch from base when it does not exist yet.
	WorktreeCreate(ctx context.Context, path, branch, base string) error

	// WorktreeRemove removes the worktree at path.
	WorktreeRemove(ctx context.Context, path string, force bool) error

	// WorktreePrune drops stale worktree registrations.
	WorktreePrune(ctx context.Context) error

	// CommitFiles returns the paths touched by the given commit.
	CommitFiles(ctx context.Context, sha string) ([]string, error)

	// WorkDir returns the directory the client operates in.
	WorkDir() string

	// At returns a client with the same binary operating in dir. Used to
	// run commands inside a worktree checkout.
	At(dir string) VCS
}

// Compile-time check: *Client must satisfy VCS.
var _ VCS = (*Client)(nil)

// Client executes git commands in a fixed working directory.
type Client struct {
	// Dir is the working directory for git commands. If empty, commands
	// run in the current directory.
	Dir string

	// GitBin is the path to the git binary. Defaults to "git".
	GitBin string
}

// NewClient creates a Client for the given working directory and verifies
// that the directory is inside a git repository.
func NewClient(dir string) (*Client, error) {
	c := &Client{Dir: dir, GitBin: "git"}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("gitx: not a git repository or git not installed: %w", err)
	}
	return c, nil
}

// WorkDir returns the client's working directory.
func (c *Client) WorkDir() string { return c.Dir }

// At returns a client sharing this client's binary but operating in dir.
func (c *Client) At(dir string) VCS {
	return &Client{Dir: dir, GitBin: c.GitBin}
}

// TopLevel returns the absolute path of the repository root.
func (c *Client) TopLevel(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("gitx: top level: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentCommit returns the full SHA of HEAD.
func (c *Client) CurrentCommit(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitx: current commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the name of the current branch. Returns an error
// in a detached HEAD state.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitx: current branch: %w", err)
	}
	branch := strings.TrimSpace(out)
	if branch == "HEAD" {
		return "", fmt.Errorf("gitx: current branch: detached HEAD state")
	}
	return branch, nil
}

// IsDirty reports whether the index or worktree has uncommitted changes.
func (c *Client) IsDirty(ctx context.Context) (bool, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("gitx: status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// StatusPaths returns the worktree-relative paths git status reports as
// changed, one per entry, renames resolved to their destination. Files in
// untracked directories are listed one by one.
func (c *Client) StatusPaths(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("gitx: status paths: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Rename entries look like "old -> new"; keep the destination.
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		p = strings.Trim(p, `"`)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// StageAll stages every change, including untracked files.
func (c *Client) StageAll(ctx context.Context) error {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("gitx: stage all: %w", err)
	}
	return nil
}

// StagePaths stages only the given paths.
func (c *Client) StagePaths(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("gitx: stage paths: %w", err)
	}
	return nil
}

// Commit commits staged changes with the given message and returns the
// resulting commit SHA.
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("gitx: commit: %w", err)
	}
	return c.CurrentCommit(ctx)
}

// CreateBranch creates name from base without checking it out. Empty base
// branches from HEAD.
func (c *Client) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"branch", name}
	if base != "" {
		args = append(args, base)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("gitx: create branch %q: %w", name, err)
	}
	return nil
}

// DeleteBranch force-deletes the named local branch.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "branch", "-D", name); err != nil {
		return fmt.Errorf("gitx: delete branch %q: %w", name, err)
	}
	return nil
}

// Checkout switches to the given branch.
func (c *Client) Checkout(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "checkout", name); err != nil {
		return fmt.Errorf("gitx: checkout %q: %w", name, err)
	}
	return nil
}

// Push pushes branch to origin with upstream tracking.
func (c *Client) Push(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("gitx: push %q: %w", branch, err)
	}
	return nil
}

// Merge merges branch into the current branch, fast-forwarding when
// possible. A conflict leaves the merge in progress for the user and
// returns an error.
func (c *Client) Merge(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "merge", "--no-edit", branch); err != nil {
		return fmt.Errorf("gitx: merge %q: %w", branch, err)
	}
	return nil
}

// BranchExists reports whether the named local branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	exitCode, stdout, _, err := c.runSilent(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	if err != nil && exitCode == -1 {
		// exec itself failed (e.g. git binary not found).
		return false, fmt.Errorf("gitx: branch exists %q: %w", name, err)
	}
	return exitCode == 0 && strings.TrimSpace(stdout) != "", nil
}

// BranchTip returns the SHA at the tip of the named branch.
func (c *Client) BranchTip(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "rev-parse", "refs/heads/"+name)
	if err != nil {
		return "", fmt.Errorf("gitx: branch tip %q: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// IsBranchCheckedOut returns the worktree path where name is checked out,
// or an empty string. It parses `git worktree list --porcelain`, whose
// stanzas carry "worktree <path>" and "branch refs/heads/<name>" lines.
func (c *Client) IsBranchCheckedOut(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("gitx: worktree list: %w", err)
	}
	var currentPath string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case line == "branch refs/heads/"+name:
			return currentPath, nil
		}
	}
	return "", nil
}

// WorktreeCreate adds a worktree at path bound to branch. When the branch
// does not exist it is created from base (HEAD when base is empty).
func (c *Client) WorktreeCreate(ctx context.Context, path, branch, base string) error {
	exists, err := c.BranchExists(ctx, branch)
	if err != nil {
		return fmt.Errorf("gitx: worktree create: %w", err)
	}
	var args []string
	if exists {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("gitx: worktree add %q: %w", path, err)
	}
	return nil
}

// WorktreeRemove removes the worktree at path.
func (c *Client) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("gitx: worktree remove %q: %w", path, err)
	}
	return nil
}

// WorktreePrune drops stale worktree registrations.
func (c *Client) WorktreePrune(ctx context.Context) error {
	if _, err := c.run(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("gitx: worktree prune: %w", err)
	}
	return nil
}

// CommitFiles returns the paths touched by the given commit.
func (c *Client) CommitFiles(ctx context.Context, sha string) ([]string, error) {
	out, err := c.run(ctx, "show", "--name-only", "--format=", sha)
	if err != nil {
		return nil, fmt.Errorf("gitx: commit files %q: %w", sha, err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// run executes a git command and returns stdout. stderr is included in
// the error message when the command fails.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	_, stdout, stderr, err := c.runSilent(ctx, args...)
	if err != nil {
		return "", err
	}
	if stdout == "" && stderr != "" {
		// Some git commands (e.g. checkout) write to stderr on success.
		return stderr, nil
	}
	return stdout, nil
}

// runSilent executes a git command and returns the exit code, stdout,
// stderr, and an error. The error is non-nil both for exec failures
// (exitCode=-1, e.g. git binary not found) and non-zero git exits
// (exitCode>0). Callers that need to distinguish the two check for -1.
func (c *Client) runSilent(ctx context.Context, args ...string) (int, string, string, error) {
	bin := c.GitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.Dir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return exitCode, stdout, stderr, fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr))
	}
	return 0, stdout, stderr, nil
}
