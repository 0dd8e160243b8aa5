package manifest

import (
	"fmt"
	"strings"
)

// Validate checks the at-rest invariants. A violation means the manifest
// was corrupted or written by buggy code; engines must refuse to run on a
// manifest that fails validation.
func Validate(m *Manifest) error {
	switch m.ArchiveType {
	case TypeGitRepository, TypeDirectory:
	default:
		return fmt.Errorf("%w: unknown archiveType %q", ErrCorrupt, m.ArchiveType)
	}

	if m.SourcePath == "" {
		return fmt.Errorf("%w: empty sourcePath", ErrCorrupt)
	}

	if len(m.Bundles) == 0 {
		if m.IncrementalCount != 0 {
			return fmt.Errorf("%w: incrementalCount %d with no bundles", ErrCorrupt, m.IncrementalCount)
		}

		return nil
	}

	if m.Bundles[0].Kind != KindFull {
		return fmt.Errorf("%w: chain must start with a full bundle, got %q", ErrCorrupt, m.Bundles[0].Kind)
	}

	seen := make(map[string]bool, len(m.Bundles))
	trailing := 0

	for i, b := range m.Bundles {
		if b.Filename == "" {
			return fmt.Errorf("%w: bundle %d has empty filename", ErrCorrupt, i)
		}

		if seen[b.Filename] {
			return fmt.Errorf("%w: duplicate filename %q", ErrCorrupt, b.Filename)
		}
		seen[b.Filename] = true

		if !strings.HasPrefix(b.Checksum, ChecksumPrefix) {
			return fmt.Errorf("%w: bundle %q checksum missing %q prefix", ErrCorrupt, b.Filename, ChecksumPrefix)
		}

		switch b.Kind {
		case KindFull:
			trailing = 0
		case KindIncremental:
			if i == 0 {
				return fmt.Errorf("%w: incremental at chain head", ErrCorrupt)
			}

			if b.ParentFilename != m.Bundles[i-1].Filename {
				return fmt.Errorf("%w: bundle %q parent %q != predecessor %q",
					ErrCorrupt, b.Filename, b.ParentFilename, m.Bundles[i-1].Filename)
			}

			trailing++
		default:
			return fmt.Errorf("%w: bundle %q has unknown kind %q", ErrCorrupt, b.Filename, b.Kind)
		}
	}

	if m.IncrementalCount != trailing {
		return fmt.Errorf("%w: incrementalCount %d != trailing incrementals %d",
			ErrCorrupt, m.IncrementalCount, trailing)
	}

	if m.ArchiveType == TypeGitRepository {
		last := m.Bundles[len(m.Bundles)-1]
		if m.LastBundleCommit != last.Commit {
			return fmt.Errorf("%w: lastBundleCommit %q != last bundle commit %q",
				ErrCorrupt, m.LastBundleCommit, last.Commit)
		}
	}

	if len(m.RestoreInstructions.Order) != len(m.Bundles) {
		return fmt.Errorf("%w: restore order lists %d entries for %d bundles",
			ErrCorrupt, len(m.RestoreInstructions.Order), len(m.Bundles))
	}

	for i, name := range m.RestoreInstructions.Order {
		if name != m.Bundles[i].Filename {
			return fmt.Errorf("%w: restore order[%d] = %q, bundle[%d] = %q",
				ErrCorrupt, i, name, i, m.Bundles[i].Filename)
		}
	}

	return nil
}
