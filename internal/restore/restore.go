// Package restore rebuilds a source from its bundle chain: git bundles are
// cloned and replayed, archives are verified and extracted. Artifacts come
// from the local bundle area when present, otherwise from the remote via
// the transport.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cloudsync/internal/gitcmd"
	"cloudsync/internal/manifest"
	"cloudsync/internal/source"
	"cloudsync/internal/transport"
	"cloudsync/pkg/dirhash"
)

// Failure modes surfaced to callers and mapped to exit codes by the CLI.
var (
	ErrArtifactMissing = errors.New("restore: artifact missing")
	ErrIntegrity       = errors.New("restore: artifact checksum mismatch")
	ErrVerifyFailure   = errors.New("restore: bundle failed verification")
	ErrTargetConflict  = errors.New("restore: target exists and is not empty")
)

// Options controls a restore.
type Options struct {
	// Overwrite permits restoring a git source into a non-empty target.
	Overwrite bool
	// Root overrides the extraction root for archive restores; default is
	// the configured home directory.
	Root string
}

// Result summarizes a completed restore.
type Result struct {
	SourceKey        string
	ArchiveType      manifest.ArchiveType
	Target           string
	ArtifactsApplied int
	BytesVerified    int64
}

// Config carries the restore engine's environment.
type Config struct {
	RemoteBase string
	HomeDir    string
	ScratchDir string
}

// Engine performs restores.
type Engine struct {
	store  *manifest.Store
	git    *gitcmd.Client
	agent  transport.Transport
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a restore engine.
func NewEngine(store *manifest.Store, git *gitcmd.Client, agent transport.Transport, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		git:    git,
		agent:  agent,
		cfg:    cfg,
		logger: logger,
	}
}

// Restore rebuilds sourceKey into target. For git sources target is the
// working tree to create; for archives target is ignored and extraction is
// rooted at Options.Root or the home directory.
func (e *Engine) Restore(ctx context.Context, sourceKey, target string, opts Options) (*Result, error) {
	m, bundleDir, err := e.locate(ctx, sourceKey)
	if err != nil {
		return nil, err
	}

	// Every artifact is checked against its recorded digest before any
	// byte lands in the target.
	verified, err := e.verifyChecksums(m, bundleDir)
	if err != nil {
		return nil, err
	}

	res := &Result{
		SourceKey:     sourceKey,
		ArchiveType:   m.ArchiveType,
		Target:        target,
		BytesVerified: verified,
	}

	switch m.ArchiveType {
	case manifest.TypeGitRepository:
		err = e.restoreGit(ctx, m, bundleDir, target, opts, res)
	case manifest.TypeDirectory:
		err = e.restoreArchive(ctx, m, bundleDir, opts, res)
	default:
		err = fmt.Errorf("%w: unknown archive type %q", manifest.ErrCorrupt, m.ArchiveType)
	}

	if err != nil {
		return nil, err
	}

	e.logger.Info("restore complete",
		slog.String("source", sourceKey),
		slog.String("type", string(m.ArchiveType)),
		slog.String("target", res.Target),
		slog.Int("artifacts", res.ArtifactsApplied),
	)

	return res, nil
}

// locate finds the manifest and its bundle directory, pulling the remote
// copy into scratch when the local bundle area has none.
func (e *Engine) locate(ctx context.Context, sourceKey string) (*manifest.Manifest, string, error) {
	m, err := e.store.Load(sourceKey)
	if err == nil {
		return m, e.store.Dir(sourceKey), nil
	}

	if !errors.Is(err, manifest.ErrMissing) {
		return nil, "", err
	}

	scratch := filepath.Join(e.cfg.ScratchDir, "restore-"+source.SafeName(sourceKey))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, "", fmt.Errorf("restore: creating scratch %s: %w", scratch, err)
	}

	remoteDir := e.cfg.RemoteBase + "/" + sourceKey

	e.logger.Info("manifest not found locally, pulling from remote",
		slog.String("source", sourceKey),
		slog.String("remote", remoteDir),
	)

	if err := e.agent.Pull(ctx, remoteDir, scratch); err != nil {
		return nil, "", err
	}

	m, err = manifest.LoadFile(filepath.Join(scratch, manifest.FileName))
	if err != nil {
		return nil, "", err
	}

	return m, scratch, nil
}

// verifyChecksums recomputes every artifact's digest against the manifest.
func (e *Engine) verifyChecksums(m *manifest.Manifest, bundleDir string) (int64, error) {
	var total int64

	for _, b := range m.Bundles {
		path := filepath.Join(bundleDir, b.Filename)

		if _, err := os.Stat(path); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrArtifactMissing, b.Filename)
		}

		sum, err := dirhash.File(path)
		if err != nil {
			return 0, fmt.Errorf("restore: hashing %s: %w", b.Filename, err)
		}

		if manifest.ChecksumPrefix+sum != b.Checksum {
			return 0, fmt.Errorf("%w: %s", ErrIntegrity, b.Filename)
		}

		total += b.SizeBytes
	}

	return total, nil
}

// findRecord returns the record for a filename in restore order.
func findRecord(m *manifest.Manifest, filename string) (*manifest.BundleRecord, error) {
	for i := range m.Bundles {
		if m.Bundles[i].Filename == filename {
			return &m.Bundles[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s named in restore order but not recorded", manifest.ErrCorrupt, filename)
}
