package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"cloudsync/pkg/dirhash"
)

// SnapshotName is the listed-incremental state file kept inside a source's
// bundle directory. It is internal bookkeeping, never uploaded as an
// artifact in its own right (it rides along with Transport.Sync like
// everything else in the directory).
const SnapshotName = ".tar-snapshot"

// snapshot records the per-file state at the last successful archive so the
// next incremental can pack only what changed. Losing it is harmless; the
// next run degrades to a full archive.
type snapshot struct {
	Version  int             `json:"version"`
	TakenAt  time.Time       `json:"takenAt"`
	Checksum string          `json:"checksum"`
	Entries  []dirhash.Entry `json:"entries"`
}

const snapshotVersion = 1

// loadSnapshot reads the snapshot file; any failure is reported as absence
// so the caller falls back to a full archive.
func loadSnapshot(path string) *snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil || s.Version != snapshotVersion {
		return nil
	}

	return &s
}

// saveSnapshot persists the snapshot via temp-and-rename.
func saveSnapshot(path string, res *dirhash.Result, now time.Time) error {
	s := snapshot{
		Version:  snapshotVersion,
		TakenAt:  now.UTC(),
		Checksum: res.Checksum,
		Entries:  res.Entries,
	}

	data, err := json.MarshalIndent(&s, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encoding snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: writing snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("archive: replacing snapshot: %w", err)
	}

	return nil
}

// changedSince returns the entries in cur that are absent from prev or have
// a different size or mtime. Deletions are not returned; they are visible
// only through the fingerprint change.
func changedSince(prev *snapshot, cur []dirhash.Entry) []dirhash.Entry {
	known := make(map[string]dirhash.Entry, len(prev.Entries))
	for _, e := range prev.Entries {
		known[e.RelPath] = e
	}

	var changed []dirhash.Entry

	for _, e := range cur {
		old, ok := known[e.RelPath]
		if !ok || old.Size != e.Size || old.MtimeNS != e.MtimeNS {
			changed = append(changed, e)
		}
	}

	return changed
}
