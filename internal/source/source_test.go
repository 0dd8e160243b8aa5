package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		size int64
		want SizeCategory
	}{
		{"zero", 0, CategorySmall},
		{"just under small", 100*mib - 1, CategorySmall},
		{"exactly at small threshold", 100 * mib, CategoryMedium},
		{"under medium", 499 * mib, CategoryMedium},
		{"exactly at medium threshold", 500 * mib, CategoryLarge},
		{"huge", 10_000 * mib, CategoryLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Categorize(tc.size, 100, 500))
		})
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "work__api-server", SafeName("work/api-server"))
	assert.Equal(t, "dir__My_Notes", SafeName("dir/My Notes"))
	assert.Equal(t, "plain", SafeName("plain"))
}

func TestDirectoryFromPath_Category(t *testing.T) {
	t.Parallel()

	d, err := DirectoryFromPath("/home/dev/Documents")
	require.NoError(t, err)
	assert.Equal(t, "dir/Documents", d.Key)
	assert.Equal(t, "documents", d.Category)

	d, err = DirectoryFromPath("/home/dev/Photos")
	require.NoError(t, err)
	assert.Equal(t, "media", d.Category)

	d, err = DirectoryFromPath("/home/dev/stuff")
	require.NoError(t, err)
	assert.Equal(t, "general", d.Category)
}

func makeFakeRepo(t *testing.T, root, rel string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(root, rel, ".git"), 0o755))
}

func TestDiscoverRepos(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	makeFakeRepo(t, root, "alpha")
	makeFakeRepo(t, root, "work/api-server")
	makeFakeRepo(t, root, "work/api-server/embedded") // nested: must not be found
	makeFakeRepo(t, root, "node_modules/dep")         // skipped dir
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-repo"), 0o755))

	repos, err := DiscoverRepos(context.Background(), root, testLogger())
	require.NoError(t, err)

	keys := make([]string, len(repos))
	for i, r := range repos {
		keys[i] = r.Key
	}

	assert.Equal(t, []string{"alpha", "work/api-server"}, keys)
}

func TestDiscoverRepos_Cancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	makeFakeRepo(t, root, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DiscoverRepos(ctx, root, testLogger())
	require.ErrorIs(t, err, context.Canceled)
}

func TestTreeSize(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b"), make([]byte, 50), 0o644))

	assert.Equal(t, int64(150), TreeSize(root))
}

func TestSourceAccessors(t *testing.T) {
	t.Parallel()

	s := Source{Kind: KindGitRepo, Repo: &GitRepo{Path: "/p", Key: "k"}}
	assert.Equal(t, "k", s.Key())
	assert.Equal(t, "/p", s.Path())

	s = Source{Kind: KindDirectory, Dir: &Directory{Path: "/d", Key: "dir/d"}}
	assert.Equal(t, "dir/d", s.Key())
	assert.Equal(t, "/d", s.Path())
}
