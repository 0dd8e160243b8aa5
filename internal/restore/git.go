package restore

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloudsync/internal/bundle"
	"cloudsync/internal/manifest"
)

// restoreGit clones the full bundle into target, replays each incremental
// in manifest order, checks out the primary branch, and re-seeds the
// captured critical files.
func (e *Engine) restoreGit(ctx context.Context, m *manifest.Manifest, bundleDir, target string, opts Options, res *Result) error {
	if len(m.RestoreInstructions.Order) == 0 {
		return fmt.Errorf("%w: empty restore order", manifest.ErrCorrupt)
	}

	fullPath := filepath.Join(bundleDir, m.RestoreInstructions.Order[0])
	if err := e.verifyFull(ctx, fullPath); err != nil {
		return err
	}

	if err := checkTarget(target, opts.Overwrite); err != nil {
		return err
	}

	if err := e.git.CloneBundle(ctx, fullPath, target); err != nil {
		return err
	}

	res.ArtifactsApplied = 1

	for _, name := range m.RestoreInstructions.Order[1:] {
		path := filepath.Join(bundleDir, name)

		// Incrementals verify against the clone, which holds their
		// prerequisite commits.
		if err := e.git.VerifyBundle(ctx, target, path); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrVerifyFailure, name, err)
		}

		if err := e.git.FetchBundle(ctx, target, path); err != nil {
			return err
		}

		res.ArtifactsApplied++
	}

	if err := e.checkoutPrimary(ctx, target, m.DefaultBranch); err != nil {
		return err
	}

	criticalTar := filepath.Join(bundleDir, bundle.CriticalTarName)
	if _, err := os.Stat(criticalTar); err == nil {
		if err := e.extractCritical(criticalTar, target); err != nil {
			return fmt.Errorf("restore: extracting critical files: %w", err)
		}
	}

	return nil
}

// verifyFull checks the full bundle before the target is touched. git only
// verifies a bundle from inside a repository and no clone exists yet, so
// the check runs from a throwaway empty repository; a full bundle has no
// prerequisites for it to miss.
func (e *Engine) verifyFull(ctx context.Context, fullPath string) error {
	if err := os.MkdirAll(e.cfg.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("restore: creating scratch dir: %w", err)
	}

	scratch, err := os.MkdirTemp(e.cfg.ScratchDir, "bundle-check-")
	if err != nil {
		return fmt.Errorf("restore: creating verify scratch: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := e.git.Init(ctx, scratch); err != nil {
		return err
	}

	if err := e.git.VerifyBundle(ctx, scratch, fullPath); err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailure, err)
	}

	return nil
}

// checkTarget refuses a non-empty target unless overwrite was requested.
func checkTarget(target string, overwrite bool) error {
	entries, err := os.ReadDir(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("restore: inspecting target %s: %w", target, err)
	}

	if len(entries) > 0 && !overwrite {
		return fmt.Errorf("%w: %s", ErrTargetConflict, target)
	}

	return nil
}

// checkoutPrimary prefers main, falls back to master, then the recorded
// default branch.
func (e *Engine) checkoutPrimary(ctx context.Context, repoDir, recorded string) error {
	for _, branch := range []string{"main", "master"} {
		ok, err := e.git.BranchExists(ctx, repoDir, branch)
		if err != nil {
			return err
		}

		if ok {
			return e.git.Checkout(ctx, repoDir, branch)
		}
	}

	if recorded != "" {
		return e.git.Checkout(ctx, repoDir, recorded)
	}

	// Clone already left some branch checked out.
	return nil
}

// extractCritical unpacks the gitignored-but-critical companion tarball
// into the restored working tree.
func (e *Engine) extractCritical(tarPath, target string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	return extractTar(gz, target)
}
