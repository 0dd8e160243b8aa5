package verify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudsync/internal/archive"
	"cloudsync/internal/gitcmd"
	"cloudsync/internal/manifest"
	"cloudsync/internal/restore"
	"cloudsync/internal/source"
	"cloudsync/internal/transport"
	"cloudsync/pkg/dirhash"
)

type fakeGit struct {
	commitCount int
	fsckErr     error
	branches    map[string]bool
}

func (f *fakeGit) Run(_ context.Context, _ string, _ string, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")

	switch {
	case strings.HasPrefix(joined, "init "):
		return nil, nil

	case strings.HasPrefix(joined, "bundle verify "):
		return nil, nil

	case strings.HasPrefix(joined, "clone "):
		return nil, os.MkdirAll(filepath.Join(args[2], ".git"), 0o755)

	case strings.HasPrefix(joined, "fetch "):
		return nil, nil

	case strings.HasPrefix(joined, "rev-parse --verify refs/heads/"):
		if f.branches[strings.TrimPrefix(args[2], "refs/heads/")] {
			return nil, nil
		}

		return nil, fmt.Errorf("fatal: unknown revision")

	case strings.HasPrefix(joined, "checkout "):
		return nil, nil

	case strings.HasPrefix(joined, "fsck"):
		return nil, f.fsckErr

	case strings.HasPrefix(joined, "rev-list --count --all"):
		return []byte(fmt.Sprintf("%d\n", f.commitCount)), nil
	}

	return nil, fmt.Errorf("unexpected git invocation: %s", joined)
}

type nullTransport struct{}

func (nullTransport) Sync(context.Context, string, string) error { return nil }
func (nullTransport) Copy(context.Context, string, string) error { return nil }
func (nullTransport) Pull(context.Context, string, string) error { return nil }
func (nullTransport) Delete(context.Context, string) error       { return nil }

func (nullTransport) List(context.Context, string) ([]transport.RemoteEntry, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedGitSource(t *testing.T, store *manifest.Store, key string, incrementals int) {
	t.Helper()

	dir := store.Dir(key)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	m := manifest.New("/home/dev/"+key, "devbox", manifest.TypeGitRepository, now)
	m.RestoreInstructions.TargetPath = "/home/dev/" + key
	m.DefaultBranch = "main"

	add := func(name, commit, parent string, kind manifest.BundleKind) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(key+":"+name), 0o644))

		sum, err := dirhash.File(path)
		require.NoError(t, err)

		info, err := os.Stat(path)
		require.NoError(t, err)

		m.Append(manifest.BundleRecord{
			Kind: kind, Filename: name, CreatedAt: now,
			SizeBytes: info.Size(), Checksum: manifest.ChecksumPrefix + sum,
			Commit: commit, ParentFilename: parent,
		}, now)
	}

	add("full.bundle", "c0", "", manifest.KindFull)

	for i := 1; i <= incrementals; i++ {
		add(fmt.Sprintf("incremental-202608%02d-090000.bundle", i),
			fmt.Sprintf("c%d", i), m.LastBundle().Filename, manifest.KindIncremental)
	}

	require.NoError(t, store.Save(key, m))
}

func seedArchiveSource(t *testing.T, store *manifest.Store, home, key, name string) {
	t.Helper()

	srcPath := filepath.Join(home, name)
	require.NoError(t, os.MkdirAll(srcPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcPath, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcPath, "b.txt"), []byte("b"), 0o644))

	eng, err := archive.NewEngine(store, nullTransport{}, archive.Config{
		Hostname: "devbox", RemoteBase: "r:b", HomeDir: home,
		SmallMiB: 100, MediumMiB: 500, MaxIncrementals: 10,
		ConsolidationAge: 30 * 24 * time.Hour, Codec: "zstd", Level: 3,
	}, testLogger())
	require.NoError(t, err)

	_, err = eng.RunOnce(context.Background(), source.Directory{Path: srcPath, Key: key})
	require.NoError(t, err)
}

func newTestEngine(t *testing.T, store *manifest.Store, git *fakeGit, cfg Config) *Engine {
	t.Helper()

	logger := testLogger()
	client := gitcmd.NewClient(git, logger)
	restorer := restore.NewEngine(store, client, nullTransport{}, restore.Config{
		RemoteBase: "r:b",
		HomeDir:    t.TempDir(),
		ScratchDir: t.TempDir(),
	}, logger)

	if cfg.ScratchDir == "" {
		cfg.ScratchDir = t.TempDir()
	}

	if cfg.MaxIncrementals == 0 {
		cfg.MaxIncrementals = 10
	}

	eng := NewEngine(store, restorer, client, cfg, logger)
	eng.shuffle = func(int, func(i, j int)) {} // deterministic order

	return eng
}

func TestRunCleanCycle(t *testing.T) {
	t.Parallel()

	store := manifest.NewStore(t.TempDir(), testLogger())
	home := t.TempDir()
	seedGitSource(t, store, "repo/alpha", 2)
	seedArchiveSource(t, store, home, "dir/notes", "notes")

	git := &fakeGit{commitCount: 12, branches: map[string]bool{"main": true}}
	eng := newTestEngine(t, store, git, Config{SampleRandom: 3})

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.ElementsMatch(t, []string{"repo/alpha", "dir/notes"}, report.Tested)
	assert.Empty(t, report.Debt)
}

func TestRunRecordsRestoreFailureAndPreservesScratch(t *testing.T) {
	t.Parallel()

	store := manifest.NewStore(t.TempDir(), testLogger())
	seedGitSource(t, store, "repo/alpha", 1)

	// Tamper with an artifact so checksum verification fails.
	require.NoError(t, os.WriteFile(
		filepath.Join(store.Dir("repo/alpha"), "full.bundle"), []byte("tampered"), 0o644))

	git := &fakeGit{commitCount: 5, branches: map[string]bool{"main": true}}
	eng := newTestEngine(t, store, git, Config{})

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	f := report.Failures[0]
	assert.Equal(t, "repo/alpha", f.SourceKey)
	assert.Contains(t, f.Reason, "checksum mismatch")
	assert.False(t, report.Clean())
}

func TestRunFsckFailure(t *testing.T) {
	t.Parallel()

	store := manifest.NewStore(t.TempDir(), testLogger())
	seedGitSource(t, store, "repo/alpha", 0)

	git := &fakeGit{
		commitCount: 5,
		branches:    map[string]bool{"main": true},
		fsckErr:     fmt.Errorf("dangling blob deadbeef"),
	}
	eng := newTestEngine(t, store, git, Config{})

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Reason, "dangling blob")
}

func TestRunReportsConsolidationDebt(t *testing.T) {
	t.Parallel()

	store := manifest.NewStore(t.TempDir(), testLogger())
	seedGitSource(t, store, "repo/heavy", 3)
	seedGitSource(t, store, "repo/light", 0)

	git := &fakeGit{commitCount: 5, branches: map[string]bool{"main": true}}
	eng := newTestEngine(t, store, git, Config{MaxIncrementals: 3, SampleRandom: 3})

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Debt, 1)
	assert.Equal(t, Debt{SourceKey: "repo/heavy", IncrementalCount: 3, Threshold: 3}, report.Debt[0])
}

func TestSampleClampedByMaxReposToTest(t *testing.T) {
	t.Parallel()

	store := manifest.NewStore(t.TempDir(), testLogger())

	for _, key := range []string{"repo/a", "repo/b", "repo/c", "repo/d", "repo/e"} {
		seedGitSource(t, store, key, 0)
	}

	git := &fakeGit{commitCount: 5, branches: map[string]bool{"main": true}}
	eng := newTestEngine(t, store, git, Config{SampleRandom: 5, MaxReposToTest: 2})

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Tested, 2)
}

func TestSampleIncludesSmallestAndChainHeaviest(t *testing.T) {
	t.Parallel()

	store := manifest.NewStore(t.TempDir(), testLogger())
	seedGitSource(t, store, "repo/tiny", 0)
	seedGitSource(t, store, "repo/deep", 4)
	seedGitSource(t, store, "repo/mid", 1)

	git := &fakeGit{commitCount: 5, branches: map[string]bool{"main": true}}
	eng := newTestEngine(t, store, git, Config{SampleRandom: 0})

	report, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Tested, "repo/deep")
	assert.Len(t, report.Tested, 2)
}
