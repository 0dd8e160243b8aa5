package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloudsync/internal/manifest"
	"cloudsync/pkg/dirhash"
)

// writeArchive streams the given entries from root into a compressed tar at
// dst, with member names prefixed so extraction rooted at the home
// directory recreates the source in place. Returns the uncompressed payload
// size. Written via temp-and-rename.
func writeArchive(dst, root, memberPrefix string, entries []dirhash.Entry, codec *Codec) (uncompressed int64, err error) {
	tmp := dst + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	cw, err := codec.Compress(f)
	if err != nil {
		return 0, err
	}

	tw := tar.NewWriter(cw)

	for _, e := range entries {
		n, addErr := addMember(tw, filepath.Join(root, filepath.FromSlash(e.RelPath)),
			path.Join(memberPrefix, e.RelPath))
		if addErr != nil {
			if os.IsNotExist(addErr) {
				continue // vanished since the walk
			}

			err = fmt.Errorf("archive: packing %s: %w", e.RelPath, addErr)

			return 0, err
		}

		uncompressed += n
	}

	if err = tw.Close(); err != nil {
		return 0, err
	}

	if err = cw.Close(); err != nil {
		return 0, err
	}

	if err = f.Sync(); err != nil {
		return 0, err
	}

	if err = f.Close(); err != nil {
		return 0, err
	}

	if err = os.Rename(tmp, dst); err != nil {
		return 0, err
	}

	return uncompressed, nil
}

func addMember(tw *tar.Writer, path, name string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}

	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(tw, f)
}

// fileTypeHistogram buckets entries by extension, most frequent first.
// Extensionless files count under "(none)".
func fileTypeHistogram(entries []dirhash.Entry) []manifest.FileTypeCount {
	counts := map[string]int{}

	for _, e := range entries {
		ext := strings.ToLower(path.Ext(e.RelPath))
		if ext == "" {
			ext = "(none)"
		}

		counts[ext]++
	}

	out := make([]manifest.FileTypeCount, 0, len(counts))
	for ext, n := range counts {
		out = append(out, manifest.FileTypeCount{Extension: ext, Count: n})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Extension < out[j].Extension
	})

	return out
}
