package archive

import (
	"archive/tar"
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

	"cloudsync/internal/history"
	"cloudsync/internal/manifest"
	"cloudsync/internal/source"
	"cloudsync/internal/transport"
)

type fakeTransport struct {
	syncs   []string
	syncErr error
}

func (f *fakeTransport) Sync(_ context.Context, localDir, remoteDir string) error {
	f.syncs = append(f.syncs, localDir+" -> "+remoteDir)

	return f.syncErr
}

func (f *fakeTransport) Copy(context.Context, string, string) error { return nil }
func (f *fakeTransport) Pull(context.Context, string, string) error { return nil }
func (f *fakeTransport) Delete(context.Context, string) error       { return nil }

func (f *fakeTransport) List(context.Context, string) ([]transport.RemoteEntry, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, agent transport.Transport, cfg Config) (*Engine, *manifest.Store) {
	t.Helper()

	logger := testLogger()
	store := manifest.NewStore(t.TempDir(), logger)

	if cfg.Hostname == "" {
		cfg.Hostname = "devbox"
	}

	if cfg.RemoteBase == "" {
		cfg.RemoteBase = "remote:backups"
	}

	if cfg.SmallMiB == 0 {
		cfg.SmallMiB = 100
	}

	if cfg.MediumMiB == 0 {
		cfg.MediumMiB = 500
	}

	if cfg.MaxIncrementals == 0 {
		cfg.MaxIncrementals = 10
	}

	if cfg.ConsolidationAge == 0 {
		cfg.ConsolidationAge = 30 * 24 * time.Hour
	}

	if cfg.Codec == "" {
		cfg.Codec = "zstd"
		cfg.Level = 3
	}

	eng, err := NewEngine(store, agent, cfg, logger)
	require.NoError(t, err)

	return eng, store
}

// testDir creates a home-like layout with the source one level below so
// member prefixes are exercised.
func testDir(t *testing.T) (source.Directory, string) {
	t.Helper()

	home := t.TempDir()
	path := filepath.Join(home, "notes")
	require.NoError(t, os.MkdirAll(path, 0o755))
	writeFile(t, path, "todo.md", "buy milk")
	writeFile(t, path, "ideas/app.md", "an app")

	return source.Directory{Path: path, Key: "dir/notes", Category: "documents"}, home
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// touch gives a file a distinct mtime so the fingerprint changes even on
// coarse-grained filesystems.
func touch(t *testing.T, root, rel string, offset time.Duration) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(rel))
	when := time.Now().Add(offset)
	require.NoError(t, os.Chtimes(full, when, when))
}

func TestRunOnceFirstRunProducesFull(t *testing.T) {
	t.Parallel()

	agent := &fakeTransport{}
	dir, home := testDir(t)
	eng, store := newTestEngine(t, agent, Config{HomeDir: home})

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeFull, rec.Outcome)
	assert.Positive(t, rec.BytesProduced)

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Bundles, 1)
	rcd := m.Bundles[0]
	assert.Equal(t, manifest.KindFull, rcd.Kind)
	assert.True(t, strings.HasPrefix(rcd.Filename, "dir__notes-full-"))
	assert.True(t, strings.HasSuffix(rcd.Filename, ".tar.zst"))
	assert.Equal(t, 2, rcd.FilesCount)
	assert.Positive(t, rcd.UncompressedBytes)
	assert.NotEmpty(t, m.LastDirChecksum)
	assert.Equal(t, []string{"documents"}, m.Metadata.Categories)
	assert.NotEmpty(t, m.Metadata.FileTypes)
	assert.Equal(t, ".md", m.Metadata.FileTypes[0].Extension)

	assert.FileExists(t, filepath.Join(store.Dir(dir.Key), SnapshotName))
	require.Len(t, agent.syncs, 1)
}

func TestRunOnceSkipsWhenFingerprintUnchanged(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	eng, _ := newTestEngine(t, &fakeTransport{}, Config{HomeDir: home})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeSkipped, rec.Outcome)
}

func TestRunOnceIncrementalPacksOnlyChanges(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	// Negative small threshold keeps the tiny tree out of the
	// always-full bucket.
	eng, store := newTestEngine(t, &fakeTransport{}, Config{HomeDir: home, SmallMiB: -1})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	writeFile(t, dir.Path, "new.md", "fresh")
	writeFile(t, dir.Path, "todo.md", "buy milk and eggs")
	touch(t, dir.Path, "todo.md", time.Minute)

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeIncremental, rec.Outcome)

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Bundles, 2)
	inc := m.Bundles[1]
	assert.Equal(t, manifest.KindIncremental, inc.Kind)
	assert.Equal(t, m.Bundles[0].Filename, inc.ParentFilename)
	assert.Equal(t, 2, inc.FilesCount)

	names := tarMembers(t, filepath.Join(store.Dir(dir.Key), inc.Filename))
	assert.ElementsMatch(t, []string{"notes/new.md", "notes/todo.md"}, names)
}

func TestRunOnceDeletionOnlyChangeSkips(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	eng, store := newTestEngine(t, &fakeTransport{}, Config{HomeDir: home, SmallMiB: -1})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	// Removing a file changes the fingerprint but leaves nothing to pack.
	require.NoError(t, os.Remove(filepath.Join(dir.Path, "todo.md")))

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeSkipped, rec.Outcome)
	assert.Zero(t, rec.BytesProduced)

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Bundles, 1)

	artifacts, err := filepath.Glob(filepath.Join(store.Dir(dir.Key), "*.tar.zst"))
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)

	// The recorded fingerprint moved forward, so the next run takes the
	// cheap skip path.
	rec, err = eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeSkipped, rec.Outcome)
}

func TestRunOnceLostSnapshotFallsBackToFull(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	eng, store := newTestEngine(t, &fakeTransport{}, Config{HomeDir: home, SmallMiB: -1})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(store.Dir(dir.Key), SnapshotName)))
	writeFile(t, dir.Path, "new.md", "fresh")

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeFull, rec.Outcome)

	// A full supersedes the chain in the manifest.
	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Bundles, 1)
	assert.Equal(t, 3, m.Bundles[0].FilesCount)
}

func TestRunOnceConsolidatesAtMaxIncrementals(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	eng, store := newTestEngine(t, &fakeTransport{}, Config{
		HomeDir:         home,
		SmallMiB:        -1,
		MaxIncrementals: 2,
	})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 2; i++ {
		writeFile(t, dir.Path, fmt.Sprintf("f%d.md", i), "x")
		tick := base.Add(time.Duration(i) * time.Second)
		eng.nowFunc = func() time.Time { return tick }

		rec, err := eng.RunOnce(context.Background(), dir)
		require.NoError(t, err)
		require.Equal(t, history.OutcomeIncremental, rec.Outcome)
	}

	writeFile(t, dir.Path, "f3.md", "x")
	eng.nowFunc = func() time.Time { return base.Add(time.Minute) }

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeConsolidated, rec.Outcome)

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Bundles, 1)
	assert.Equal(t, manifest.KindFull, m.Bundles[0].Kind)
	require.Len(t, m.Consolidations, 1)
	assert.True(t, m.Consolidations[0].TriggeredByCount)
	assert.Equal(t, 3, m.Consolidations[0].SupersededCount)

	archived, err := filepath.Glob(filepath.Join(store.Dir(dir.Key), "archive-*", "*"))
	require.NoError(t, err)
	assert.Len(t, archived, 3)
}

func TestRunOnceMissingSource(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, &fakeTransport{}, Config{})

	rec, err := eng.RunOnce(context.Background(), source.Directory{
		Path: filepath.Join(t.TempDir(), "gone"),
		Key:  "dir/gone",
	})
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.Equal(t, history.OutcomeFailed, rec.Outcome)
}

func TestRunOnceTransportFailureIsWarning(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	agent := &fakeTransport{syncErr: fmt.Errorf("remote unreachable")}
	eng, store := newTestEngine(t, agent, Config{HomeDir: home})

	rec, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeFull, rec.Outcome)
	assert.Contains(t, rec.Error, "remote unreachable")

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	assert.Len(t, m.Bundles, 1)
}

func TestRunOnceGzipCodec(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	eng, store := newTestEngine(t, &fakeTransport{}, Config{
		HomeDir: home,
		Codec:   "gzip",
		Level:   6,
	})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Bundles, 1)
	assert.True(t, strings.HasSuffix(m.Bundles[0].Filename, ".tar.gz"))

	names := tarMembers(t, filepath.Join(store.Dir(dir.Key), m.Bundles[0].Filename))
	assert.ElementsMatch(t, []string{"notes/todo.md", "notes/ideas/app.md"}, names)
}

func TestMemberPrefixOutsideHomeUsesBaseName(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, &fakeTransport{}, Config{HomeDir: "/home/other"})

	got := eng.memberPrefix(source.Directory{Path: "/srv/data", Key: "dir/data"})
	assert.Equal(t, "data", got)
}

func TestFileTypeHistogramOrder(t *testing.T) {
	t.Parallel()

	dir, home := testDir(t)
	writeFile(t, dir.Path, "a.txt", "1")
	writeFile(t, dir.Path, "Makefile", "all:")

	eng, store := newTestEngine(t, &fakeTransport{}, Config{HomeDir: home})

	_, err := eng.RunOnce(context.Background(), dir)
	require.NoError(t, err)

	m, err := store.Load(dir.Key)
	require.NoError(t, err)
	require.Len(t, m.Metadata.FileTypes, 3)
	assert.Equal(t, manifest.FileTypeCount{Extension: ".md", Count: 2}, m.Metadata.FileTypes[0])
}

func tarMembers(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dr, err := Decompress(filepath.Base(path), f)
	require.NoError(t, err)
	defer dr.Close()

	var names []string

	tr := tar.NewReader(dr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		names = append(names, hdr.Name)
	}

	return names
}
