// Package gitcmd wraps the git CLI for bundle creation, restoration, and
// integrity checks. All operations run through an execx.Runner so engines
// can be tested against a fake git.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// SyncTag is the marker ref pinned to HEAD after every successful bundle,
// recording the known-archived commit independently of the manifest.
const SyncTag = "last-bundle-sync"

// ErrEmptyRepo is returned when a repository has no commits yet.
var ErrEmptyRepo = errors.New("gitcmd: repository has no commits")

// Runner is the subset of execx.Runner gitcmd needs.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// Client executes git operations against working trees and bundle files.
type Client struct {
	runner Runner
	logger *slog.Logger
}

// NewClient creates a git client.
func NewClient(runner Runner, logger *slog.Logger) *Client {
	return &Client{runner: runner, logger: logger}
}

func (c *Client) git(ctx context.Context, repoDir string, args ...string) (string, error) {
	out, err := c.runner.Run(ctx, repoDir, "git", args...)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(out)), nil
}

// HeadCommit returns the OID of HEAD, or ErrEmptyRepo for a repository
// with no commits.
func (c *Client) HeadCommit(ctx context.Context, repoDir string) (string, error) {
	out, err := c.git(ctx, repoDir, "rev-parse", "--verify", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "Needed a single revision") ||
			strings.Contains(err.Error(), "unknown revision") ||
			strings.Contains(err.Error(), "ambiguous argument") {
			return "", ErrEmptyRepo
		}

		return "", fmt.Errorf("gitcmd: resolving HEAD in %s: %w", repoDir, err)
	}

	return out, nil
}

// CurrentBranch returns the checked-out branch name, or empty for a
// detached HEAD.
func (c *Client) CurrentBranch(ctx context.Context, repoDir string) (string, error) {
	out, err := c.git(ctx, repoDir, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("gitcmd: current branch in %s: %w", repoDir, err)
	}

	return out, nil
}

// Branches lists local branch names.
func (c *Client) Branches(ctx context.Context, repoDir string) ([]string, error) {
	out, err := c.git(ctx, repoDir, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, fmt.Errorf("gitcmd: listing branches in %s: %w", repoDir, err)
	}

	if out == "" {
		return nil, nil
	}

	return strings.Split(out, "\n"), nil
}

// HasNewCommits reports whether any ref has commits unreachable from since.
func (c *Client) HasNewCommits(ctx context.Context, repoDir, since string) (bool, error) {
	out, err := c.git(ctx, repoDir, "rev-list", "--count", "--all", "^"+since)
	if err != nil {
		// The recorded commit may have been rewritten away; treat as
		// changed so the engine produces a fresh artifact.
		c.logger.Warn("rev-list against last bundled commit failed, assuming changes",
			slog.String("repo", repoDir),
			slog.String("since", since),
			slog.String("error", err.Error()),
		)

		return true, nil
	}

	n, convErr := strconv.Atoi(out)
	if convErr != nil {
		return false, fmt.Errorf("gitcmd: parsing rev-list count %q: %w", out, convErr)
	}

	return n > 0, nil
}

// CommitCount returns the number of commits reachable from all refs.
func (c *Client) CommitCount(ctx context.Context, repoDir string) (int, error) {
	out, err := c.git(ctx, repoDir, "rev-list", "--count", "--all")
	if err != nil {
		return 0, fmt.Errorf("gitcmd: counting commits in %s: %w", repoDir, err)
	}

	n, convErr := strconv.Atoi(out)
	if convErr != nil {
		return 0, fmt.Errorf("gitcmd: parsing commit count %q: %w", out, convErr)
	}

	return n, nil
}

// CreateFullBundle writes a bundle of all refs to bundlePath.
func (c *Client) CreateFullBundle(ctx context.Context, repoDir, bundlePath string) error {
	if _, err := c.git(ctx, repoDir, "bundle", "create", bundlePath, "--all"); err != nil {
		return fmt.Errorf("gitcmd: creating full bundle for %s: %w", repoDir, err)
	}

	return nil
}

// CreateIncrementalBundle writes a bundle containing commits reachable from
// current refs but not from since.
func (c *Client) CreateIncrementalBundle(ctx context.Context, repoDir, bundlePath, since string) error {
	if _, err := c.git(ctx, repoDir, "bundle", "create", bundlePath, "--all", "^"+since); err != nil {
		return fmt.Errorf("gitcmd: creating incremental bundle for %s: %w", repoDir, err)
	}

	return nil
}

// Init creates an empty repository at dir.
func (c *Client) Init(ctx context.Context, dir string) error {
	if _, err := c.git(ctx, "", "init", "--quiet", dir); err != nil {
		return fmt.Errorf("gitcmd: init %s: %w", dir, err)
	}

	return nil
}

// VerifyBundle runs git's own bundle check. repoDir must be a repository;
// for incremental bundles it must already contain the prerequisite commits.
func (c *Client) VerifyBundle(ctx context.Context, repoDir, bundlePath string) error {
	if _, err := c.git(ctx, repoDir, "bundle", "verify", bundlePath); err != nil {
		return fmt.Errorf("gitcmd: bundle verify %s: %w", bundlePath, err)
	}

	return nil
}

// CloneBundle clones a full bundle into target.
func (c *Client) CloneBundle(ctx context.Context, bundlePath, target string) error {
	if _, err := c.git(ctx, "", "clone", bundlePath, target); err != nil {
		return fmt.Errorf("gitcmd: cloning bundle %s: %w", bundlePath, err)
	}

	return nil
}

// FetchBundle fetches all refs from an incremental bundle into repoDir,
// force-updating local refs to the bundle's.
func (c *Client) FetchBundle(ctx context.Context, repoDir, bundlePath string) error {
	_, err := c.git(ctx, repoDir, "fetch", "--force", "--tags", bundlePath,
		"+refs/heads/*:refs/heads/*")
	if err != nil {
		return fmt.Errorf("gitcmd: fetching bundle %s: %w", bundlePath, err)
	}

	return nil
}

// Checkout checks out the named branch.
func (c *Client) Checkout(ctx context.Context, repoDir, branch string) error {
	if _, err := c.git(ctx, repoDir, "checkout", branch); err != nil {
		return fmt.Errorf("gitcmd: checkout %s in %s: %w", branch, repoDir, err)
	}

	return nil
}

// UpdateSyncTag force-moves the sync marker tag to HEAD.
func (c *Client) UpdateSyncTag(ctx context.Context, repoDir string) error {
	if _, err := c.git(ctx, repoDir, "tag", "--force", SyncTag, "HEAD"); err != nil {
		return fmt.Errorf("gitcmd: updating %s tag in %s: %w", SyncTag, repoDir, err)
	}

	return nil
}

// Fsck runs a full integrity check.
func (c *Client) Fsck(ctx context.Context, repoDir string) error {
	if _, err := c.git(ctx, repoDir, "fsck", "--full"); err != nil {
		return fmt.Errorf("gitcmd: fsck in %s: %w", repoDir, err)
	}

	return nil
}

// BranchExists reports whether a local branch is present.
func (c *Client) BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	_, err := c.git(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	if err != nil {
		return false, nil //nolint:nilerr // absent branch is a normal outcome
	}

	return true, nil
}

// IgnoredFiles returns paths (relative to the repo root) that git reports
// as ignored. Directories are returned with a trailing slash by git and
// filtered out; only files matter for critical capture.
func (c *Client) IgnoredFiles(ctx context.Context, repoDir string) ([]string, error) {
	out, err := c.runner.Run(ctx, repoDir, "git",
		"ls-files", "--others", "--ignored", "--exclude-standard", "-z")
	if err != nil {
		return nil, fmt.Errorf("gitcmd: listing ignored files in %s: %w", repoDir, err)
	}

	var files []string

	for _, p := range strings.Split(string(out), "\x00") {
		if p == "" || strings.HasSuffix(p, "/") {
			continue
		}

		files = append(files, p)
	}

	return files, nil
}
