package bundle

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"cloudsync/internal/source"
)

// Names of the critical-file companion artifacts inside a bundle directory.
const (
	CriticalTarName  = "critical-ignored.tar.gz"
	CriticalListName = "critical-ignored.list"

	// overrideFile holds per-repository extra allow patterns, one
	// doublestar pattern per line, # for comments.
	overrideFile = ".cloudsync-critical"
)

// captureCritical packs git-ignored files matching the allow patterns into
// a tarball next to the bundles, plus a plain-text listing. Returns bytes
// written. When nothing matches, both artifacts are removed so restore
// knows there is nothing to replay.
func (e *Engine) captureCritical(ctx context.Context, repo source.GitRepo, bundleDir string) (int64, error) {
	allow := append([]string(nil), e.cfg.CriticalAllow...)
	allow = append(allow, readOverridePatterns(filepath.Join(repo.Path, overrideFile))...)

	if len(allow) == 0 {
		return 0, nil
	}

	ignored, err := e.git.IgnoredFiles(ctx, repo.Path)
	if err != nil {
		return 0, err
	}

	var selected []string

	for _, rel := range ignored {
		if !matchAny(allow, rel) || matchAny(e.cfg.CriticalDeny, rel) {
			continue
		}

		info, err := os.Lstat(filepath.Join(repo.Path, rel))
		if err != nil || !info.Mode().IsRegular() {
			continue // symlinks and specials are never captured
		}

		selected = append(selected, rel)
	}

	tarPath := filepath.Join(bundleDir, CriticalTarName)
	listPath := filepath.Join(bundleDir, CriticalListName)

	if len(selected) == 0 {
		os.Remove(tarPath)
		os.Remove(listPath)

		return 0, nil
	}

	if err := writeCriticalTar(tarPath, repo.Path, selected); err != nil {
		return 0, err
	}

	if err := os.WriteFile(listPath, []byte(strings.Join(selected, "\n")+"\n"), 0o644); err != nil {
		return 0, err
	}

	info, err := os.Stat(tarPath)
	if err != nil {
		return 0, err
	}

	e.logger.Info("critical files captured",
		"source", repo.Key,
		"files", len(selected),
		"bytes", info.Size(),
	)

	return info.Size(), nil
}

// readOverridePatterns loads per-repo allow patterns; a missing file is
// simply no extra patterns.
func readOverridePatterns(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		patterns = append(patterns, line)
	}

	return patterns
}

func matchAny(patterns []string, rel string) bool {
	rel = filepath.ToSlash(rel)

	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}

		// A bare filename pattern matches at any depth.
		if !strings.Contains(p, "/") {
			if ok, err := doublestar.Match("**/"+p, rel); err == nil && ok {
				return true
			}
		}
	}

	return false
}

// writeCriticalTar produces the gzip tarball with repo-relative member
// names, via temp-and-rename.
func writeCriticalTar(tarPath, repoRoot string, files []string) (err error) {
	tmp := tarPath + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, rel := range files {
		if err = addTarFile(tw, filepath.Join(repoRoot, rel), filepath.ToSlash(rel)); err != nil {
			f.Close()

			return fmt.Errorf("bundle: packing %s: %w", rel, err)
		}
	}

	if err = tw.Close(); err != nil {
		f.Close()

		return err
	}

	if err = gz.Close(); err != nil {
		f.Close()

		return err
	}

	if err = f.Sync(); err != nil {
		f.Close()

		return err
	}

	if err = f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, tarPath)
}

func addTarFile(tw *tar.Writer, path, name string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}

	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)

	return err
}
