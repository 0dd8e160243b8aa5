// Package manifest implements the typed bundle manifest: one JSON document
// per source recording every artifact, its checksum, and the restore order.
// The Store persists manifests with atomic replace and hands out per-source
// locks so engines never observe a torn write.
package manifest

import (
	"errors"
	"time"
)

// Sentinel errors surfaced to engines and mapped to exit codes by the CLI.
var (
	ErrMissing = errors.New("manifest: not found")
	ErrCorrupt = errors.New("manifest: corrupt")
	ErrLocked  = errors.New("manifest: lock wait exceeded")
)

// ArchiveType discriminates manifest variants.
type ArchiveType string

const (
	TypeGitRepository ArchiveType = "git-repository"
	TypeDirectory     ArchiveType = "non-git-directory"
)

// BundleKind is the artifact kind within a chain.
type BundleKind string

const (
	KindFull        BundleKind = "full"
	KindIncremental BundleKind = "incremental"
)

// FileName is the manifest's on-disk name inside a source's bundle
// directory.
const FileName = "bundle-manifest.json"

// ChecksumPrefix tags recorded digests with their algorithm.
const ChecksumPrefix = "sha256:"

// BundleRecord describes one artifact in a source's chain. Order within
// Manifest.Bundles is restore order.
type BundleRecord struct {
	Kind      BundleKind `json:"type"`
	Filename  string     `json:"filename"`
	CreatedAt time.Time  `json:"createdAt"`
	SizeBytes int64      `json:"sizeBytes"`
	// Checksum is "sha256:<hex>" of the artifact bytes.
	Checksum string `json:"checksum"`

	// Git bundles only.
	Commit         string `json:"commit,omitempty"`
	ParentFilename string `json:"parentFilename,omitempty"`
	CommitRange    string `json:"commitRange,omitempty"`

	// Archives only.
	FilesCount int `json:"filesCount,omitempty"`

	// Archives: uncompressed payload size, when known.
	UncompressedBytes int64 `json:"uncompressedBytes,omitempty"`
}

// FileTypeCount is one entry of the extension histogram.
type FileTypeCount struct {
	Extension string `json:"extension"`
	Count     int    `json:"count"`
}

// Metadata carries cumulative statistics for a source's artifact set.
type Metadata struct {
	TotalSizeUncompressed int64           `json:"totalSizeUncompressed"`
	TotalSizeCompressed   int64           `json:"totalSizeCompressed"`
	CompressionRatio      float64         `json:"compressionRatio"`
	FileTypes             []FileTypeCount `json:"fileTypes,omitempty"`
	Categories            []string        `json:"categories,omitempty"`
}

// RestoreInstructions records the playback order for a restore.
type RestoreInstructions struct {
	TargetPath string   `json:"targetPath"`
	Order      []string `json:"order"`
}

// ConsolidationEvent is an append-only history entry recording a chain
// consolidation.
type ConsolidationEvent struct {
	At               time.Time `json:"at"`
	ArchivedDir      string    `json:"archivedDir"`
	SupersededCount  int       `json:"supersededCount"`
	TriggeredByCount bool      `json:"triggeredByCount"` // false = age trigger
}

// Manifest is the persistent record of a source's artifact chain.
type Manifest struct {
	SourcePath  string      `json:"sourcePath"`
	Hostname    string      `json:"hostname"`
	ArchiveType ArchiveType `json:"archiveType"`

	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`

	Bundles []BundleRecord `json:"bundles"`

	// LastBundleCommit is HEAD captured in the most recent bundle (git
	// only).
	LastBundleCommit string `json:"lastBundleCommit,omitempty"`
	// DefaultBranch is the branch checked out at bundle time (git only);
	// restore falls back to it when neither main nor master exists.
	DefaultBranch string `json:"defaultBranch,omitempty"`

	IncrementalCount int        `json:"incrementalCount"`
	LastFullAt       *time.Time `json:"lastFullAt,omitempty"`

	// LastDirChecksum is the tree fingerprint at the last successful
	// snapshot (archives only).
	LastDirChecksum string `json:"lastDirChecksum,omitempty"`

	Metadata            Metadata             `json:"metadata"`
	RestoreInstructions RestoreInstructions  `json:"restoreInstructions"`
	Consolidations      []ConsolidationEvent `json:"consolidations,omitempty"`
}

// New returns a manifest shell for a source's first bundle.
func New(sourcePath, hostname string, at ArchiveType, now time.Time) *Manifest {
	return &Manifest{
		SourcePath:    sourcePath,
		Hostname:      hostname,
		ArchiveType:   at,
		CreatedAt:     now.UTC(),
		LastUpdatedAt: now.UTC(),
	}
}

// LastBundle returns the most recent record, or nil for an empty chain.
func (m *Manifest) LastBundle() *BundleRecord {
	if len(m.Bundles) == 0 {
		return nil
	}

	return &m.Bundles[len(m.Bundles)-1]
}

// Append adds a record, maintaining the derived fields the invariants
// demand: restore order, incremental count, lastFullAt, and (for git)
// lastBundleCommit.
func (m *Manifest) Append(rec BundleRecord, now time.Time) {
	m.Bundles = append(m.Bundles, rec)
	m.RestoreInstructions.Order = append(m.RestoreInstructions.Order, rec.Filename)
	m.LastUpdatedAt = now.UTC()

	if rec.Kind == KindFull {
		m.IncrementalCount = 0
		t := rec.CreatedAt
		m.LastFullAt = &t
	} else {
		m.IncrementalCount++
	}

	if m.ArchiveType == TypeGitRepository && rec.Commit != "" {
		m.LastBundleCommit = rec.Commit
	}

	m.recomputeMetadata()
}

// ResetChain drops all records prior to a consolidation's fresh full
// bundle. The caller appends the new full afterwards.
func (m *Manifest) ResetChain(now time.Time) {
	m.Bundles = nil
	m.RestoreInstructions.Order = nil
	m.IncrementalCount = 0
	m.LastUpdatedAt = now.UTC()
}

// recomputeMetadata refreshes the cumulative size fields from the record
// list. File-type histograms are engine-supplied and left untouched.
func (m *Manifest) recomputeMetadata() {
	var compressed, uncompressed int64

	for _, b := range m.Bundles {
		compressed += b.SizeBytes

		if b.UncompressedBytes > 0 {
			uncompressed += b.UncompressedBytes
		} else {
			uncompressed += b.SizeBytes
		}
	}

	m.Metadata.TotalSizeCompressed = compressed
	m.Metadata.TotalSizeUncompressed = uncompressed

	if uncompressed > 0 {
		m.Metadata.CompressionRatio = float64(compressed) / float64(uncompressed)
	} else {
		m.Metadata.CompressionRatio = 0
	}
}
