// Package dirhash computes a streaming fingerprint of a directory tree.
//
// The fingerprint is the SHA-256 of an ordered record stream: for every
// regular file under the root, one line of the form
//
//	<relative/path>\x00<size>\x00<mtime_ns>\n
//
// with paths sorted lexicographically and normalized to Unicode NFC. Two
// trees with identical paths, sizes, and modification times produce
// identical fingerprints; content is deliberately not read, so the
// fingerprint is O(metadata) and suitable for cheap change detection.
//
// Symbolic links are never followed. A link whose target escapes the root
// is reported through the Walk callback so callers can surface a warning.
package dirhash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Entry describes a single regular file included in a fingerprint.
type Entry struct {
	// RelPath is the slash-separated path relative to the fingerprint root,
	// normalized to NFC.
	RelPath string `json:"path"`
	Size    int64  `json:"size"`
	MtimeNS int64  `json:"mtimeNs"`
}

// Result holds the fingerprint of a tree plus the metadata gathered while
// computing it.
type Result struct {
	// Checksum is the lowercase hex SHA-256 of the record stream.
	Checksum string
	// Entries are the fingerprinted files in record order.
	Entries []Entry
	// TotalBytes is the sum of all entry sizes.
	TotalBytes int64
	// EscapingLinks lists symlinks whose resolved target lies outside the
	// root. They are excluded from the fingerprint.
	EscapingLinks []string
}

// Tree walks root and returns its fingerprint. The walk honors ctx
// cancellation between directory entries. Directories named in skipDirs
// (base-name match) are pruned entirely.
func Tree(ctx context.Context, root string, skipDirs []string) (*Result, error) {
	root = filepath.Clean(root)

	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[d] = true
	}

	res := &Result{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}

			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return fmt.Errorf("dirhash: %w", relErr)
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if escapes(root, path) {
				res.EscapingLinks = append(res.EscapingLinks, rel)
			}

			// Links are metadata-only; never followed.
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			// File vanished mid-walk; treat as absent.
			if os.IsNotExist(infoErr) {
				return nil
			}

			return fmt.Errorf("dirhash: stat %s: %w", rel, infoErr)
		}

		res.Entries = append(res.Entries, Entry{
			RelPath: norm.NFC.String(filepath.ToSlash(rel)),
			Size:    info.Size(),
			MtimeNS: info.ModTime().UnixNano(),
		})
		res.TotalBytes += info.Size()

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].RelPath < res.Entries[j].RelPath
	})

	h := sha256.New()
	for _, e := range res.Entries {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", e.RelPath, e.Size, e.MtimeNS)
	}

	res.Checksum = hex.EncodeToString(h.Sum(nil))

	return res, nil
}

// File returns the lowercase hex SHA-256 of a single file's contents.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dirhash: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("dirhash: read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// escapes reports whether the symlink at path resolves outside root.
// Unresolvable links count as escaping.
func escapes(root, path string) bool {
	target, err := os.Readlink(path)
	if err != nil {
		return true
	}

	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}

	resolved, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return true
	}

	resolved = filepath.Join(resolved, filepath.Base(target))

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		rootResolved = root
	}

	return resolved != rootResolved &&
		!strings.HasPrefix(resolved, rootResolved+string(filepath.Separator))
}
