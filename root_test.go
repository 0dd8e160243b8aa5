package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudsync/internal/archive"
	"cloudsync/internal/bundle"
	"cloudsync/internal/config"
	"cloudsync/internal/manifest"
	"cloudsync/internal/restore"
	"cloudsync/internal/source"
	"cloudsync/internal/supervisor"
	"cloudsync/internal/transport"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must
// set globals AFTER newRootCmd() returns, or go through cmd.SetArgs() +
// cmd.Execute() and let Cobra parse them.

func resetFlags(t *testing.T) {
	t.Helper()

	oldConfig := flagConfigPath
	oldBundleRoot := flagBundleRoot
	oldJSON := flagJSON
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet
	oldCfg := resolvedCfg

	t.Cleanup(func() {
		flagConfigPath = oldConfig
		flagBundleRoot = oldBundleRoot
		flagJSON = oldJSON
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
		resolvedCfg = oldCfg
	})
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"unknown error", errors.New("boom"), exitConfig},
		{"git source missing", fmt.Errorf("run: %w", bundle.ErrSourceMissing), exitSourceNotFound},
		{"dir source missing", fmt.Errorf("run: %w", archive.ErrSourceMissing), exitSourceNotFound},
		{"unknown key", fmt.Errorf("%w: no source %q", errUnknownSource, "x"), exitSourceNotFound},
		{"manifest missing", fmt.Errorf("restore: %w", manifest.ErrMissing), exitSourceNotFound},
		{"manifest corrupt", fmt.Errorf("load: %w", manifest.ErrCorrupt), exitManifestBad},
		{"integrity", fmt.Errorf("restore: %w", restore.ErrIntegrity), exitIntegrity},
		{"verify failure", fmt.Errorf("verify: %w", restore.ErrVerifyFailure), exitIntegrity},
		{"artifact missing", fmt.Errorf("restore: %w", restore.ErrArtifactMissing), exitIntegrity},
		{"transport", fmt.Errorf("sync: %w", transport.ErrTransport), exitTransport},
		{"transport deadline", &transport.Error{Op: "sync", Retryable: true, Err: context.DeadlineExceeded}, exitCancelled},
		{"cancelled", fmt.Errorf("run: %w", context.Canceled), exitCancelled},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), exitCancelled},
		{"lock held", fmt.Errorf("start: %w", supervisor.ErrAlreadyRunning), exitLockHeld},
		{"manifest locked", fmt.Errorf("lock: %w", manifest.ErrLocked), exitLockHeld},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExitCode_JoinedErrorsPickMostSpecific(t *testing.T) {
	t.Parallel()

	// A sync run can fail on one source for transport reasons and be
	// cancelled mid-loop; cancellation is reported.
	err := errors.Join(
		fmt.Errorf("source a: %w", transport.ErrTransport),
		context.Canceled,
	)

	assert.Equal(t, exitCancelled, exitCode(err))
}

func TestBuildLogger_LevelResolution(t *testing.T) {
	resetFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))

	resolvedCfg.Logging.LogLevel = "debug"
	logger = buildLogger()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	// --quiet beats config.
	flagQuiet = true
	logger = buildLogger()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))

	// Quiet wins when both flags are set.
	flagVerbose = true
	logger = buildLogger()
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestLoadConfig_BadFileSurfacesError(t *testing.T) {
	resetFlags(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("bundel_root = \"/tmp/x\"\n"), 0o644))

	flagConfigPath = path

	err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundel_root")
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	resetFlags(t)

	flagConfigPath = filepath.Join(t.TempDir(), "nope.toml")
	flagBundleRoot = filepath.Join(t.TempDir(), "bundles")

	require.NoError(t, loadConfig())
	require.NotNil(t, resolvedCfg)
	assert.Equal(t, flagBundleRoot, resolvedCfg.BundleRoot)
}

func TestSelectSources(t *testing.T) {
	t.Parallel()

	all := []source.Source{
		{Kind: source.KindGitRepo, Repo: &source.GitRepo{Path: "/p/a", Key: "a"}},
		{Kind: source.KindDirectory, Dir: &source.Directory{Path: "/h/n", Key: "dir/n"}},
	}

	t.Run("no keys selects all", func(t *testing.T) {
		t.Parallel()

		got, err := selectSources(all, nil)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("named key", func(t *testing.T) {
		t.Parallel()

		got, err := selectSources(all, []string{"dir/n"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "dir/n", got[0].Key())
	})

	t.Run("unknown key maps to source-not-found", func(t *testing.T) {
		t.Parallel()

		_, err := selectSources(all, []string{"ghost"})
		require.Error(t, err)
		assert.Equal(t, exitSourceNotFound, exitCode(err))
	})
}

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	resetFlags(t)

	cmd := newRootCmd()

	want := []string{"sync", "daemon", "restore", "verify", "status", "sources"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.NotEqual(t, cmd, sub, name)
	}
}
