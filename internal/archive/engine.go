// Package archive implements the non-git snapshot engine: it fingerprints a
// directory tree, decides between full, incremental, and no-op, packs the
// selected files into compressed tarballs, and maintains the same manifest
// chain the git engine does.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cloudsync/internal/history"
	"cloudsync/internal/manifest"
	"cloudsync/internal/source"
	"cloudsync/internal/transport"
	"cloudsync/pkg/dirhash"
)

// Sentinel errors mapped to exit codes by the CLI.
var (
	ErrSourceMissing = errors.New("archive: source does not exist")
	ErrArchiveCreate = errors.New("archive: artifact creation failed")
)

const timestampFormat = "20060102-150405"

// Config carries the engine's policy knobs.
type Config struct {
	Hostname         string
	RemoteBase       string
	HomeDir          string
	SmallMiB         int64
	MediumMiB        int64
	MaxIncrementals  int
	ConsolidationAge time.Duration
	Codec            string
	Level            int
}

// Engine produces archive snapshots for non-git directories.
type Engine struct {
	store   *manifest.Store
	agent   transport.Transport
	cfg     Config
	codec   *Codec
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewEngine creates an archive engine. The codec name must be one the
// configuration validator accepts.
func NewEngine(store *manifest.Store, agent transport.Transport, cfg Config, logger *slog.Logger) (*Engine, error) {
	codec, err := NewCodec(cfg.Codec, cfg.Level)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:   store,
		agent:   agent,
		cfg:     cfg,
		codec:   codec,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// RunOnce executes one snapshot cycle for a directory and returns the run
// record.
func (e *Engine) RunOnce(ctx context.Context, dir source.Directory) (*history.RunRecord, error) {
	rec := &history.RunRecord{
		ID:         uuid.NewString(),
		SourceKey:  dir.Key,
		SourceKind: string(source.KindDirectory),
		StartedAt:  e.nowFunc().UTC(),
	}

	err := e.runOnce(ctx, dir, rec)
	rec.Duration = time.Since(rec.StartedAt)

	if err != nil {
		if rec.Outcome == "" {
			rec.Outcome = history.OutcomeFailed
		}

		rec.Error = err.Error()
	}

	return rec, err
}

func (e *Engine) runOnce(ctx context.Context, dir source.Directory, rec *history.RunRecord) error {
	if _, err := os.Stat(dir.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrSourceMissing, dir.Path)
	}

	release, err := e.store.Lock(dir.Key)
	if err != nil {
		return err
	}

	// The lock covers manifest mutation only; it is dropped before
	// transport so a slow upload never starves readers of this source.
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true

			release()
		}
	}
	defer unlock()

	m, err := e.store.Load(dir.Key)
	if err != nil && !errors.Is(err, manifest.ErrMissing) {
		return err
	}

	fp, err := dirhash.Tree(ctx, dir.Path, nil)
	if err != nil {
		return fmt.Errorf("archive: fingerprinting %s: %w", dir.Path, err)
	}

	for _, link := range fp.EscapingLinks {
		e.logger.Warn("symlink escapes the source root, excluded from archive",
			slog.String("source", dir.Key),
			slog.String("link", link),
		)
	}

	if m != nil && len(m.Bundles) > 0 && fp.Checksum == m.LastDirChecksum {
		rec.Outcome = history.OutcomeSkipped

		return nil
	}

	now := e.nowFunc().UTC()
	bundleDir := e.store.Dir(dir.Key)

	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return fmt.Errorf("archive: creating %s: %w", bundleDir, err)
	}

	if m == nil {
		m = manifest.New(dir.Path, e.cfg.Hostname, manifest.TypeDirectory, now)
		m.RestoreInstructions.TargetPath = dir.Path
	}

	prev := loadSnapshot(filepath.Join(bundleDir, SnapshotName))
	dec, byCount := e.classify(m, fp, prev, now)

	var (
		produced int64
		runErr   error
	)

	switch dec {
	case decideFull:
		produced, runErr = e.createArtifact(dir, m, fp, fp.Entries, manifest.KindFull, now)
		rec.Outcome = history.OutcomeFull
	case decideConsolidate:
		produced, runErr = e.consolidate(dir, m, fp, now, byCount)
		rec.Outcome = history.OutcomeConsolidated
	case decideIncremental:
		entries := changedSince(prev, fp.Entries)
		if len(entries) == 0 {
			// Deletions alone leave nothing to pack into an incremental.
			// Record the new fingerprint so the next run skips; the
			// removed files drop out at the next full archive.
			runErr = e.recordUnchanged(dir, m, fp, now)
			rec.Outcome = history.OutcomeSkipped
		} else {
			produced, runErr = e.createArtifact(dir, m, fp, entries, manifest.KindIncremental, now)
			rec.Outcome = history.OutcomeIncremental
		}
	}

	if runErr != nil {
		rec.Outcome = ""

		return runErr
	}

	rec.BytesProduced = produced

	unlock()

	if err := e.agent.Sync(ctx, bundleDir, e.cfg.RemoteBase+"/"+dir.Key); err != nil {
		e.logger.Warn("transport sync failed, will be repaired on next run",
			slog.String("source", dir.Key),
			slog.String("error", err.Error()),
		)

		rec.Error = err.Error()
	}

	return nil
}

type decision int

const (
	decideFull decision = iota
	decideConsolidate
	decideIncremental
)

// classify picks the artifact kind. A missing snapshot file forces a full
// archive even when the chain would otherwise allow an incremental.
func (e *Engine) classify(m *manifest.Manifest, fp *dirhash.Result, prev *snapshot, now time.Time) (decision, bool) {
	if len(m.Bundles) == 0 {
		return decideFull, false
	}

	if m.IncrementalCount >= e.cfg.MaxIncrementals {
		return decideConsolidate, true
	}

	if m.LastFullAt != nil && now.Sub(*m.LastFullAt) >= e.cfg.ConsolidationAge {
		return decideConsolidate, false
	}

	if source.Categorize(fp.TotalBytes, e.cfg.SmallMiB, e.cfg.MediumMiB) == source.CategorySmall {
		return decideFull, false
	}

	if prev == nil {
		return decideFull, false
	}

	return decideIncremental, false
}

// artifactName builds a unique artifact filename for the source and kind,
// appending a counter on same-second collisions.
func (e *Engine) artifactName(bundleDir, key string, kind manifest.BundleKind, now time.Time) string {
	base := fmt.Sprintf("%s-%s-%s", source.SafeName(key), kind, now.Format(timestampFormat))
	name := base + e.codec.Extension()

	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(bundleDir, name)); os.IsNotExist(err) {
			return name
		}

		name = fmt.Sprintf("%s-%d%s", base, i, e.codec.Extension())
	}
}

// memberPrefix returns the tar member name prefix: the source path relative
// to the home directory when it lies beneath it, otherwise the base name.
func (e *Engine) memberPrefix(dir source.Directory) string {
	if e.cfg.HomeDir != "" {
		if rel, err := filepath.Rel(e.cfg.HomeDir, dir.Path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}

	return filepath.Base(dir.Path)
}

// createArtifact writes one archive, appends its record, refreshes the
// snapshot file, and persists the manifest. Full archives supersede the
// chain.
func (e *Engine) createArtifact(dir source.Directory, m *manifest.Manifest, fp *dirhash.Result, entries []dirhash.Entry, kind manifest.BundleKind, now time.Time) (int64, error) {
	bundleDir := e.store.Dir(dir.Key)
	name := e.artifactName(bundleDir, dir.Key, kind, now)
	dst := filepath.Join(bundleDir, name)

	uncompressed, err := writeArchive(dst, dir.Path, e.memberPrefix(dir), entries, e.codec)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrArchiveCreate, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrArchiveCreate, name, err)
	}

	sum, err := dirhash.File(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: checksum %s: %v", ErrArchiveCreate, name, err)
	}

	rcd := manifest.BundleRecord{
		Kind:              kind,
		Filename:          name,
		CreatedAt:         now,
		SizeBytes:         info.Size(),
		Checksum:          manifest.ChecksumPrefix + sum,
		FilesCount:        len(entries),
		UncompressedBytes: uncompressed,
	}

	if kind == manifest.KindFull {
		m.ResetChain(now)
	} else {
		rcd.ParentFilename = m.LastBundle().Filename
	}

	m.Append(rcd, now)
	m.LastDirChecksum = fp.Checksum
	m.Metadata.FileTypes = fileTypeHistogram(fp.Entries)
	m.Metadata.Categories = []string{dir.Category}

	// Snapshot precedes the manifest so a crash between the two only
	// costs one redundant full archive.
	if err := saveSnapshot(filepath.Join(bundleDir, SnapshotName), fp, now); err != nil {
		return 0, err
	}

	if err := e.store.Save(dir.Key, m); err != nil {
		return 0, err
	}

	e.logger.Info("archive created",
		slog.String("source", dir.Key),
		slog.String("kind", string(kind)),
		slog.String("filename", name),
		slog.Int("files", len(entries)),
		slog.Int64("bytes", info.Size()),
	)

	return info.Size(), nil
}

// recordUnchanged refreshes the snapshot and fingerprint without producing
// an artifact.
func (e *Engine) recordUnchanged(dir source.Directory, m *manifest.Manifest, fp *dirhash.Result, now time.Time) error {
	bundleDir := e.store.Dir(dir.Key)

	if err := saveSnapshot(filepath.Join(bundleDir, SnapshotName), fp, now); err != nil {
		return err
	}

	m.LastDirChecksum = fp.Checksum

	return e.store.Save(dir.Key, m)
}

// consolidate replaces the chain with a fresh full archive, moving the
// superseded artifacts into an archive-<ts> sibling.
func (e *Engine) consolidate(dir source.Directory, m *manifest.Manifest, fp *dirhash.Result, now time.Time, byCount bool) (int64, error) {
	bundleDir := e.store.Dir(dir.Key)

	archiveDir := filepath.Join(bundleDir, "archive-"+now.Format(timestampFormat))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, fmt.Errorf("archive: creating %s: %w", archiveDir, err)
	}

	superseded := append([]manifest.BundleRecord(nil), m.Bundles...)

	produced, err := e.createArtifact(dir, m, fp, fp.Entries, manifest.KindFull, now)
	if err != nil {
		return 0, err
	}

	moved := 0

	for _, b := range superseded {
		old := filepath.Join(bundleDir, b.Filename)
		if _, statErr := os.Stat(old); statErr != nil {
			continue
		}

		if renameErr := os.Rename(old, filepath.Join(archiveDir, b.Filename)); renameErr != nil {
			return 0, fmt.Errorf("archive: archiving %s: %w", b.Filename, renameErr)
		}

		moved++
	}

	m.Consolidations = append(m.Consolidations, manifest.ConsolidationEvent{
		At:               now,
		ArchivedDir:      filepath.Base(archiveDir),
		SupersededCount:  moved,
		TriggeredByCount: byCount,
	})

	if err := e.store.Save(dir.Key, m); err != nil {
		return 0, err
	}

	e.logger.Info("chain consolidated",
		slog.String("source", dir.Key),
		slog.Int("superseded", moved),
		slog.Bool("by_count", byCount),
	)

	return produced, nil
}
