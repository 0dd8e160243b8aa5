// Package bundle implements the git bundle engine: it decides between
// full, incremental, and no-op for each repository, produces the bundle
// artifacts, maintains the manifest chain, and hands the bundle directory
// to the transport for mirroring.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"cloudsync/internal/gitcmd"
	"cloudsync/internal/history"
	"cloudsync/internal/manifest"
	"cloudsync/internal/source"
	"cloudsync/internal/transport"
	"cloudsync/pkg/dirhash"
)

// Sentinel errors mapped to exit codes by the CLI.
var (
	ErrSourceMissing = errors.New("bundle: source does not exist")
	ErrBundleCreate  = errors.New("bundle: artifact creation failed")
)

// FullBundleName is the deterministic name of the full bundle artifact.
const FullBundleName = "full.bundle"

// timestampFormat is the compact UTC stamp used in incremental names.
const timestampFormat = "20060102-150405"

// Config carries the engine's policy knobs, resolved once from the typed
// configuration and passed by value.
type Config struct {
	Hostname         string
	RemoteBase       string
	SmallMiB         int64
	MediumMiB        int64
	MaxIncrementals  int
	ConsolidationAge time.Duration
	CriticalAllow    []string
	CriticalDeny     []string
}

// Engine produces git bundles for one or more repositories. Safe for
// concurrent use across distinct sources; the manifest store serializes
// per-source access.
type Engine struct {
	git     *gitcmd.Client
	store   *manifest.Store
	agent   transport.Transport
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewEngine creates a bundle engine.
func NewEngine(git *gitcmd.Client, store *manifest.Store, agent transport.Transport, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		git:     git,
		store:   store,
		agent:   agent,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// decision is the outcome of the classification step.
type decision int

const (
	decideSkip decision = iota
	decideFull
	decideConsolidate
	decideIncremental
)

// RunOnce executes one backup cycle for a repository and returns the run
// record. The record's Outcome is always set; the error return carries the
// failure cause when Outcome is failed.
func (e *Engine) RunOnce(ctx context.Context, repo source.GitRepo) (*history.RunRecord, error) {
	rec := &history.RunRecord{
		ID:         uuid.NewString(),
		SourceKey:  repo.Key,
		SourceKind: string(source.KindGitRepo),
		StartedAt:  e.nowFunc().UTC(),
	}

	err := e.runOnce(ctx, repo, rec)
	rec.Duration = time.Since(rec.StartedAt)

	if err != nil {
		if rec.Outcome == "" {
			rec.Outcome = history.OutcomeFailed
		}

		rec.Error = err.Error()
	}

	return rec, err
}

func (e *Engine) runOnce(ctx context.Context, repo source.GitRepo, rec *history.RunRecord) error {
	if _, err := os.Stat(repo.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrSourceMissing, repo.Path)
	}

	release, err := e.store.Lock(repo.Key)
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

	m, err := e.store.Load(repo.Key)
	if err != nil && !errors.Is(err, manifest.ErrMissing) {
		// Corrupt manifest: refuse to touch this source.
		return err
	}

	head, err := e.git.HeadCommit(ctx, repo.Path)
	if errors.Is(err, gitcmd.ErrEmptyRepo) {
		rec.Outcome = history.OutcomeEmptySource

		e.logger.Info("repository has no commits, nothing to bundle",
			slog.String("source", repo.Key))

		return nil
	}

	if err != nil {
		return err
	}

	now := e.nowFunc().UTC()
	dec, consolidationByCount := e.classify(ctx, repo, m, head, now)

	if dec == decideSkip {
		rec.Outcome = history.OutcomeSkipped

		return nil
	}

	if m == nil {
		m = manifest.New(repo.Path, e.cfg.Hostname, manifest.TypeGitRepository, now)
		m.RestoreInstructions.TargetPath = repo.Path
	}

	if branch, branchErr := e.git.CurrentBranch(ctx, repo.Path); branchErr == nil && branch != "" {
		m.DefaultBranch = branch
	}

	bundleDir := e.store.Dir(repo.Key)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return fmt.Errorf("bundle: creating %s: %w", bundleDir, err)
	}

	var produced int64

	switch dec {
	case decideFull:
		produced, err = e.createFull(ctx, repo, m, head, now)
		rec.Outcome = history.OutcomeFull
	case decideConsolidate:
		produced, err = e.consolidate(ctx, repo, m, head, now, consolidationByCount)
		rec.Outcome = history.OutcomeConsolidated
	case decideIncremental:
		produced, err = e.createIncremental(ctx, repo, m, head, now)
		rec.Outcome = history.OutcomeIncremental
	}

	if err != nil {
		rec.Outcome = ""

		return err
	}

	// Critical-file capture happens after the bundle lands so a capture
	// failure never loses a bundle; its absence is survivable.
	criticalBytes, critErr := e.captureCritical(ctx, repo, bundleDir)
	if critErr != nil {
		e.logger.Warn("critical-file capture failed",
			slog.String("source", repo.Key),
			slog.String("error", critErr.Error()),
		)
	}

	rec.BytesProduced = produced + criticalBytes

	unlock()

	// Manifest is durable before transport; Sync is idempotent, so a
	// crash or transport failure here is repaired on the next run.
	if err := e.agent.Sync(ctx, bundleDir, e.remoteDir(repo.Key)); err != nil {
		e.logger.Warn("transport sync failed, will be repaired on next run",
			slog.String("source", repo.Key),
			slog.String("error", err.Error()),
		)

		rec.Error = err.Error()
	}

	return nil
}

// classify runs the decision procedure. First match wins: first-ever run,
// consolidation triggers, no change, small repo, incremental.
func (e *Engine) classify(ctx context.Context, repo source.GitRepo, m *manifest.Manifest, head string, now time.Time) (decision, bool) {
	if m == nil || len(m.Bundles) == 0 {
		return decideFull, false
	}

	if m.IncrementalCount >= e.cfg.MaxIncrementals {
		return decideConsolidate, true
	}

	if m.LastFullAt != nil && now.Sub(*m.LastFullAt) >= e.cfg.ConsolidationAge {
		return decideConsolidate, false
	}

	// The no-change check precedes the size rule: an unchanged repo skips
	// regardless of category, so repeated runs are idempotent.
	if head == m.LastBundleCommit {
		changed, err := e.git.HasNewCommits(ctx, repo.Path, m.LastBundleCommit)
		if err == nil && !changed {
			return decideSkip, false
		}
	}

	category := source.Categorize(source.TreeSize(repo.Path), e.cfg.SmallMiB, e.cfg.MediumMiB)
	if category == source.CategorySmall {
		return decideFull, false
	}

	return decideIncremental, false
}

// createFull writes full.bundle via temp-and-rename so a crash mid-write
// never clobbers the previous full.
func (e *Engine) createFull(ctx context.Context, repo source.GitRepo, m *manifest.Manifest, head string, now time.Time) (int64, error) {
	bundleDir := e.store.Dir(repo.Key)
	tmpPath := filepath.Join(bundleDir, FullBundleName+".tmp")
	finalPath := filepath.Join(bundleDir, FullBundleName)

	defer os.Remove(tmpPath)

	if err := e.git.CreateFullBundle(ctx, repo.Path, tmpPath); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}

	rcd, err := e.recordArtifact(finalPath, manifest.KindFull, head, "", "")
	if err != nil {
		return 0, err
	}

	// A fresh full supersedes the whole previous chain.
	m.ResetChain(now)
	m.Append(rcd, now)

	return e.finishArtifact(ctx, repo, m, rcd)
}

// createIncremental writes a new incremental covering lastBundleCommit to
// current refs.
func (e *Engine) createIncremental(ctx context.Context, repo source.GitRepo, m *manifest.Manifest, head string, now time.Time) (int64, error) {
	bundleDir := e.store.Dir(repo.Key)
	name := e.incrementalName(bundleDir, now)
	path := filepath.Join(bundleDir, name)

	since := m.LastBundleCommit
	if err := e.git.CreateIncrementalBundle(ctx, repo.Path, path, since); err != nil {
		os.Remove(path)

		return 0, fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}

	parent := m.LastBundle().Filename
	commitRange := since + ".." + head

	rcd, err := e.recordArtifact(path, manifest.KindIncremental, head, parent, commitRange)
	if err != nil {
		return 0, err
	}

	m.Append(rcd, now)

	return e.finishArtifact(ctx, repo, m, rcd)
}

// incrementalName returns a unique incremental filename for now, appending
// a counter when two bundles land in the same second.
func (e *Engine) incrementalName(bundleDir string, now time.Time) string {
	base := "incremental-" + now.UTC().Format(timestampFormat)
	name := base + ".bundle"

	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(bundleDir, name)); os.IsNotExist(err) {
			return name
		}

		name = fmt.Sprintf("%s-%d.bundle", base, i)
	}
}

// recordArtifact builds the manifest record for a written bundle.
func (e *Engine) recordArtifact(path string, kind manifest.BundleKind, commit, parent, commitRange string) (manifest.BundleRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return manifest.BundleRecord{}, fmt.Errorf("%w: stat %s: %v", ErrBundleCreate, path, err)
	}

	sum, err := dirhash.File(path)
	if err != nil {
		return manifest.BundleRecord{}, fmt.Errorf("%w: checksum %s: %v", ErrBundleCreate, path, err)
	}

	return manifest.BundleRecord{
		Kind:           kind,
		Filename:       filepath.Base(path),
		CreatedAt:      e.nowFunc().UTC(),
		SizeBytes:      info.Size(),
		Checksum:       manifest.ChecksumPrefix + sum,
		Commit:         commit,
		ParentFilename: parent,
		CommitRange:    commitRange,
	}, nil
}

// finishArtifact pins the sync tag and persists the manifest. Ordering
// matters: checksum and manifest append precede transport (called by
// runOnce), and the tag precedes persistence so the repo itself records
// the archived commit even if the manifest write fails.
func (e *Engine) finishArtifact(ctx context.Context, repo source.GitRepo, m *manifest.Manifest, rcd manifest.BundleRecord) (int64, error) {
	if err := e.git.UpdateSyncTag(ctx, repo.Path); err != nil {
		e.logger.Warn("could not update sync tag",
			slog.String("source", repo.Key),
			slog.String("error", err.Error()),
		)
	}

	if err := e.store.Save(repo.Key, m); err != nil {
		return 0, err
	}

	e.logger.Info("bundle created",
		slog.String("source", repo.Key),
		slog.String("kind", string(rcd.Kind)),
		slog.String("filename", rcd.Filename),
		slog.Int64("bytes", rcd.SizeBytes),
	)

	return rcd.SizeBytes, nil
}

// consolidate replaces the chain with a fresh full bundle, moving the
// superseded artifacts into an archive-<ts> sibling that sits outside the
// synced subtree; the next Sync shrinks the remote accordingly.
func (e *Engine) consolidate(ctx context.Context, repo source.GitRepo, m *manifest.Manifest, head string, now time.Time, byCount bool) (int64, error) {
	bundleDir := e.store.Dir(repo.Key)
	tmpPath := filepath.Join(bundleDir, FullBundleName+".tmp")

	defer os.Remove(tmpPath)

	if err := e.git.CreateFullBundle(ctx, repo.Path, tmpPath); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}

	archiveDir := filepath.Join(bundleDir, "archive-"+now.Format(timestampFormat))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, fmt.Errorf("bundle: creating %s: %w", archiveDir, err)
	}

	moved := 0

	for _, b := range m.Bundles {
		old := filepath.Join(bundleDir, b.Filename)
		if _, err := os.Stat(old); err != nil {
			continue // already gone; manifest is authoritative going forward
		}

		if err := os.Rename(old, filepath.Join(archiveDir, b.Filename)); err != nil {
			return 0, fmt.Errorf("bundle: archiving %s: %w", b.Filename, err)
		}

		moved++
	}

	finalPath := filepath.Join(bundleDir, FullBundleName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBundleCreate, err)
	}

	rcd, err := e.recordArtifact(finalPath, manifest.KindFull, head, "", "")
	if err != nil {
		return 0, err
	}

	m.ResetChain(now)
	m.Append(rcd, now)
	m.Consolidations = append(m.Consolidations, manifest.ConsolidationEvent{
		At:               now,
		ArchivedDir:      filepath.Base(archiveDir),
		SupersededCount:  moved,
		TriggeredByCount: byCount,
	})

	e.logger.Info("chain consolidated",
		slog.String("source", repo.Key),
		slog.Int("superseded", moved),
		slog.Bool("by_count", byCount),
	)

	return e.finishArtifact(ctx, repo, m, rcd)
}

func (e *Engine) remoteDir(sourceKey string) string {
	return e.cfg.RemoteBase + "/" + sourceKey
}
