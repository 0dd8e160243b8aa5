package restore

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloudsync/internal/archive"
	"cloudsync/internal/manifest"
)

// restoreArchive extracts each artifact in restore order, rooted at the
// caller-supplied root or the home directory. Member paths were captured
// home-relative, so extraction into a different user's home is just a
// different root.
func (e *Engine) restoreArchive(ctx context.Context, m *manifest.Manifest, bundleDir string, opts Options, res *Result) error {
	root := opts.Root
	if root == "" {
		root = e.cfg.HomeDir
	}

	if root == "" {
		return fmt.Errorf("restore: no extraction root configured")
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("restore: creating root %s: %w", root, err)
	}

	res.Target = root

	for _, name := range m.RestoreInstructions.Order {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := findRecord(m, name); err != nil {
			return err
		}

		if err := e.extractArchive(filepath.Join(bundleDir, name), root); err != nil {
			return fmt.Errorf("restore: extracting %s: %w", name, err)
		}

		res.ArtifactsApplied++
	}

	return nil
}

func (e *Engine) extractArchive(path, root string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, err := archive.Decompress(filepath.Base(path), f)
	if err != nil {
		return err
	}
	defer dr.Close()

	return extractTar(dr, root)
}

// extractTar unpacks a tar stream under root. Members with absolute paths
// or parent-directory traversal are rejected outright.
func extractTar(r io.Reader, root string) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(name, ".."+string(filepath.Separator)) || name == ".." {
			return fmt.Errorf("unsafe member path %q", hdr.Name)
		}

		dst := filepath.Join(root, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := writeMember(dst, tr, hdr); err != nil {
				return err
			}

		case tar.TypeSymlink:
			// Links are never captured; skip rather than fail on
			// foreign tarballs.
			continue

		default:
			continue
		}
	}
}

func writeMember(dst string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()

		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if !hdr.ModTime.IsZero() {
		mt := hdr.ModTime

		if mt.After(time.Unix(0, 0)) {
			_ = os.Chtimes(dst, mt, mt)
		}
	}

	return nil
}
