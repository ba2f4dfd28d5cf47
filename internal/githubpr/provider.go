// Package githubpr implements the PR-provider capability on top of the
// GitHub CLI (gh), following the same subprocess pattern as the git
// wrapper.
package githubpr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// validBranchNameRe is the allowlist for branch names passed to gh. Only
// alphanumerics, dots, underscores, forward-slashes, and hyphens are
// permitted, preventing command injection through config values.
var validBranchNameRe = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

// prNumberRe extracts a PR number from a GitHub PR URL, e.g.
// "https://github.com/owner/repo/pull/42".
var prNumberRe = regexp.MustCompile(`/pull/(\d+)`)

// PR identifies a created pull request.
type PR struct {
	URL    string
	Number int
}

// CreateOpts configures one pull-request creation.
type CreateOpts struct {
	// Title is the rendered PR title. Required.
	Title string

	// Body is the rendered PR body in Markdown. Passed via a temp file to
	// avoid shell escaping issues.
	Body string

	// Draft creates the PR in draft state.
	Draft bool
}

// Provider is the PR capability the finalizer consumes. *GHProvider
// implements it against gh; tests substitute a fake.
type Provider interface {
	// PRExists reports whether an open PR from branch into base exists.
	PRExists(ctx context.Context, branch, base string) (bool, error)

	// CreatePR opens a pull request from branch into base.
	CreatePR(ctx context.Context, branch, base string, opts CreateOpts) (*PR, error)
}

// Compile-time check: *GHProvider must satisfy Provider.
var _ Provider = (*GHProvider)(nil)

// GHProvider shells out to the gh CLI.
type GHProvider struct {
	workDir string
	logger  *log.Logger
}

// NewGHProvider creates a provider running gh in workDir. logger may be
// nil.
func NewGHProvider(workDir string, logger *log.Logger) *GHProvider {
	return &GHProvider{workDir: workDir, logger: logger}
}

// CheckPrerequisites verifies that gh is installed and authenticated.
func (p *GHProvider) CheckPrerequisites(ctx context.Context) error {
	if _, _, _, err := p.runGH(ctx, "--version"); err != nil {
		return fmt.Errorf("pr: gh CLI not installed or not in PATH: %w", err)
	}
	exitCode, _, stderr, err := p.runGH(ctx, "auth", "status")
	if exitCode == -1 {
		return fmt.Errorf("pr: checking gh auth status: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("pr: gh is not authenticated (run `gh auth login`): %s", strings.TrimSpace(stderr))
	}
	return nil
}

// PRExists reports whether an open PR from branch into base exists. It
// uses `gh pr list` with head/base filters and counts the JSON result.
func (p *GHProvider) PRExists(ctx context.Context, branch, base string) (bool, error) {
	if err := validateBranch(branch); err != nil {
		return false, err
	}
	if err := validateBranch(base); err != nil {
		return false, err
	}
	_, stdout, _, err := p.runGH(ctx,
		"pr", "list",
		"--head", branch,
		"--base", base,
		"--state", "open",
		"--json", "number",
	)
	if err != nil {
		return false, fmt.Errorf("pr: listing existing PRs: %w", err)
	}
	trimmed := strings.TrimSpace(stdout)
	return trimmed != "" && trimmed != "[]", nil
}

// CreatePR opens a pull request from branch into base. The body is
// written to a temp file with restricted permissions to avoid shell
// escaping problems with arbitrary Markdown.
func (p *GHProvider) CreatePR(ctx context.Context, branch, base string, opts CreateOpts) (*PR, error) {
	if err := validateBranch(branch); err != nil {
		return nil, err
	}
	if err := validateBranch(base); err != nil {
		return nil, err
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("pr: create: title is required")
	}

	bodyFile, err := os.CreateTemp("", "corvus-pr-body-*.md")
	if err != nil {
		return nil, fmt.Errorf("pr: creating body temp file: %w", err)
	}
	defer os.Remove(bodyFile.Name())

	if err := bodyFile.Chmod(0o600); err != nil {
		bodyFile.Close()
		return nil, fmt.Errorf("pr: setting body temp file permissions: %w", err)
	}
	if _, err := bodyFile.WriteString(opts.Body); err != nil {
		bodyFile.Close()
		return nil, fmt.Errorf("pr: writing body temp file: %w", err)
	}
	if err := bodyFile.Close(); err != nil {
		return nil, fmt.Errorf("pr: closing body temp file: %w", err)
	}

	args := []string{
		"pr", "create",
		"--head", branch,
		"--base", base,
		"--title", opts.Title,
		"--body-file", bodyFile.Name(),
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	exitCode, stdout, stderr, err := p.runGH(ctx, args...)
	if err != nil || exitCode != 0 {
		return nil, fmt.Errorf("pr: gh pr create failed: %w: %s", err, strings.TrimSpace(stderr))
	}

	url := strings.TrimSpace(stdout)
	pr := &PR{URL: url, Number: parsePRNumber(url)}
	if p.logger != nil {
		p.logger.Info("pull request created", "url", pr.URL, "number", pr.Number, "draft", opts.Draft)
	}
	return pr, nil
}

// parsePRNumber extracts the numeric PR id from a GitHub PR URL. Returns
// 0 when the URL does not carry one.
func parsePRNumber(url string) int {
	m := prNumberRe.FindStringSubmatch(url)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func validateBranch(name string) error {
	if !validBranchNameRe.MatchString(name) {
		return fmt.Errorf("pr: invalid branch name %q: only [a-zA-Z0-9_./-] are allowed", name)
	}
	return nil
}

// runGH executes a gh command and returns the exit code, stdout, stderr,
// and an error. exitCode -1 means the binary could not be started.
func (p *GHProvider) runGH(ctx context.Context, args ...string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = p.workDir

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return exitCode, stdoutBuf.String(), stderrBuf.String(),
			fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return 0, stdoutBuf.String(), stderrBuf.String(), nil
}
