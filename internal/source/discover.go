package source

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// skipScanDirs are directory names never descended into during discovery.
// They are either huge generated trees or cannot contain independent repos
// worth backing up.
var skipScanDirs = map[string]bool{
	"node_modules": true,
	".cache":       true,
	"vendor":       true,
	"target":       true,
	"__pycache__":  true,
}

// DiscoverRepos walks root and returns a GitRepo for every directory that
// contains a .git entry. Nested repositories (a repo inside another repo's
// working tree) are not descended into; the outer repo owns the subtree.
// Results are sorted by key for deterministic scheduling.
func DiscoverRepos(ctx context.Context, root string, logger *slog.Logger) ([]GitRepo, error) {
	root = filepath.Clean(root)

	var repos []GitRepo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: log and move on rather than failing the
			// whole discovery pass.
			logger.Warn("discovery: skipping unreadable path",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return fs.SkipDir
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && skipScanDirs[d.Name()] {
			return filepath.SkipDir
		}

		if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr == nil {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}

			repos = append(repos, GitRepo{
				Path: path,
				Key:  filepath.ToSlash(rel),
			})

			return filepath.SkipDir
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(repos, func(i, j int) bool { return repos[i].Key < repos[j].Key })

	logger.Info("discovery complete",
		slog.String("root", root),
		slog.Int("repos", len(repos)),
	)

	return repos, nil
}

// TreeSize returns the total byte size of regular files under root,
// without following symlinks. Used for size categorization; approximate is
// fine, so per-entry stat errors are ignored.
func TreeSize(root string) int64 {
	var total int64

	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort size estimate
		}

		if d.Type().IsRegular() {
			if info, infoErr := d.Info(); infoErr == nil {
				total += info.Size()
			}
		}

		return nil
	})

	return total
}
