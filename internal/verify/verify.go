// Package verify implements periodic restore testing: a sample of sources
// is restored into scratch space and checked for integrity, and every
// source's consolidation debt is reported.
package verify

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cloudsync/internal/archive"
	"cloudsync/internal/gitcmd"
	"cloudsync/internal/manifest"
	"cloudsync/internal/restore"
	"cloudsync/internal/source"
)

// Config carries the verification policy.
type Config struct {
	// SampleRandom is how many random sources join the small and
	// chain-heavy picks.
	SampleRandom int
	// MaxReposToTest clamps the total sample size. Zero means no clamp.
	MaxReposToTest int
	// MaxIncrementals is the consolidation threshold debt is measured
	// against.
	MaxIncrementals int
	ScratchDir      string
}

// Failure describes one source that failed its restore test.
type Failure struct {
	SourceKey string `json:"sourceKey"`
	Reason    string `json:"reason"`
	// ScratchDir is preserved for post-mortem.
	ScratchDir string `json:"scratchDir"`
}

// Debt flags a source at or over the consolidation threshold.
type Debt struct {
	SourceKey        string `json:"sourceKey"`
	IncrementalCount int    `json:"incrementalCount"`
	Threshold        int    `json:"threshold"`
}

// Report is the outcome of one verification cycle.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Tested    []string      `json:"tested"`
	Failures  []Failure     `json:"failures,omitempty"`
	Debt      []Debt        `json:"debt,omitempty"`
}

// Clean reports whether every tested source passed.
func (r *Report) Clean() bool { return len(r.Failures) == 0 }

// Engine runs verification cycles.
type Engine struct {
	store    *manifest.Store
	restorer *restore.Engine
	git      *gitcmd.Client
	cfg      Config
	logger   *slog.Logger

	// shuffle is swappable for deterministic tests.
	shuffle func(n int, swap func(i, j int))
}

// NewEngine creates a verification engine.
func NewEngine(store *manifest.Store, restorer *restore.Engine, git *gitcmd.Client, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		restorer: restorer,
		git:      git,
		cfg:      cfg,
		logger:   logger,
		shuffle:  rand.Shuffle,
	}
}

// Run executes one verification cycle over every known source.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	started := time.Now().UTC()

	keys, err := e.store.List()
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]*manifest.Manifest, len(keys))

	for _, key := range keys {
		m, loadErr := e.store.Load(key)
		if loadErr != nil {
			manifests[key] = nil

			continue
		}

		manifests[key] = m
	}

	report := &Report{StartedAt: started}

	for _, key := range e.selectSample(keys, manifests) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		report.Tested = append(report.Tested, key)

		if fail := e.testSource(ctx, key, manifests[key]); fail != nil {
			report.Failures = append(report.Failures, *fail)
		}
	}

	for _, key := range keys {
		m := manifests[key]
		if m == nil {
			continue
		}

		if m.IncrementalCount >= e.cfg.MaxIncrementals {
			report.Debt = append(report.Debt, Debt{
				SourceKey:        key,
				IncrementalCount: m.IncrementalCount,
				Threshold:        e.cfg.MaxIncrementals,
			})
		}
	}

	report.Duration = time.Since(started)

	e.logger.Info("verification cycle complete",
		slog.Int("tested", len(report.Tested)),
		slog.Int("failures", len(report.Failures)),
		slog.Int("debt", len(report.Debt)),
	)

	return report, nil
}

// selectSample picks the smallest source, the chain-heaviest source, and up
// to SampleRandom random others, clamped by MaxReposToTest.
func (e *Engine) selectSample(keys []string, manifests map[string]*manifest.Manifest) []string {
	var candidates []string

	for _, key := range keys {
		if manifests[key] != nil {
			candidates = append(candidates, key)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	picked := map[string]bool{}

	smallest := candidates[0]
	heaviest := candidates[0]

	for _, key := range candidates {
		m := manifests[key]

		if m.Metadata.TotalSizeCompressed < manifests[smallest].Metadata.TotalSizeCompressed {
			smallest = key
		}

		if m.IncrementalCount > manifests[heaviest].IncrementalCount {
			heaviest = key
		}
	}

	picked[smallest] = true
	picked[heaviest] = true

	rest := make([]string, 0, len(candidates))

	for _, key := range candidates {
		if !picked[key] {
			rest = append(rest, key)
		}
	}

	e.shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	for i := 0; i < e.cfg.SampleRandom && i < len(rest); i++ {
		picked[rest[i]] = true
	}

	sample := make([]string, 0, len(picked))

	for _, key := range candidates {
		if picked[key] {
			sample = append(sample, key)
		}
	}

	sort.Strings(sample)

	if e.cfg.MaxReposToTest > 0 && len(sample) > e.cfg.MaxReposToTest {
		sample = sample[:e.cfg.MaxReposToTest]
	}

	return sample
}

// testSource restores one source into scratch and asserts the
// post-conditions. Scratch is removed on success and preserved on failure.
func (e *Engine) testSource(ctx context.Context, key string, m *manifest.Manifest) *Failure {
	scratch := filepath.Join(e.cfg.ScratchDir,
		fmt.Sprintf("verify-%s-%d", source.SafeName(key), time.Now().UnixNano()))

	fail := func(reason string) *Failure {
		e.logger.Warn("verification failure",
			slog.String("source", key),
			slog.String("reason", reason),
			slog.String("scratch", scratch),
		)

		return &Failure{SourceKey: key, Reason: reason, ScratchDir: scratch}
	}

	var err error

	switch m.ArchiveType {
	case manifest.TypeGitRepository:
		err = e.testGitSource(ctx, key, m, scratch)
	case manifest.TypeDirectory:
		err = e.testArchiveSource(ctx, key, m, scratch)
	default:
		err = fmt.Errorf("unknown archive type %q", m.ArchiveType)
	}

	if err != nil {
		return fail(err.Error())
	}

	os.RemoveAll(scratch)

	return nil
}

func (e *Engine) testGitSource(ctx context.Context, key string, m *manifest.Manifest, scratch string) error {
	target := filepath.Join(scratch, "repo")

	if _, err := e.restorer.Restore(ctx, key, target, restore.Options{}); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	if err := e.git.Fsck(ctx, target); err != nil {
		return err
	}

	n, err := e.git.CommitCount(ctx, target)
	if err != nil {
		return err
	}

	if n < 1 {
		return errors.New("restored repository has no commits")
	}

	if m.DefaultBranch != "" {
		ok, err := e.git.BranchExists(ctx, target, m.DefaultBranch)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("recorded branch %s missing after restore", m.DefaultBranch)
		}
	}

	return nil
}

// testArchiveSource enumerates every artifact's tar stream and bounds the
// distinct member count by the recorded per-artifact counts. Overwrites
// across the chain make the distinct count at most the recorded sum.
func (e *Engine) testArchiveSource(ctx context.Context, key string, m *manifest.Manifest, scratch string) error {
	if _, err := e.restorer.Restore(ctx, key, "", restore.Options{Root: scratch}); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	bundleDir := e.store.Dir(key)
	distinct := map[string]bool{}

	var recordedSum int

	for _, b := range m.Bundles {
		recordedSum += b.FilesCount

		names, err := listTarMembers(filepath.Join(bundleDir, b.Filename))
		if err != nil {
			return fmt.Errorf("enumerating %s: %w", b.Filename, err)
		}

		for _, n := range names {
			distinct[n] = true
		}
	}

	if len(distinct) == 0 && recordedSum > 0 {
		return errors.New("artifacts enumerate to zero members")
	}

	if len(distinct) > recordedSum {
		return fmt.Errorf("artifacts contain %d distinct members, manifest records %d files",
			len(distinct), recordedSum)
	}

	return nil
}

func listTarMembers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dr, err := archive.Decompress(filepath.Base(path), f)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	var names []string

	tr := tar.NewReader(dr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}

		if err != nil {
			return nil, err
		}

		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
}
