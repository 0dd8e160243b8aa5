package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	t.Parallel()

	tomlContent := `
bundle_root = "/tmp/bundles"
remote_base = "onedrive:backup/bundles"
projects_root = "/home/dev/projects"
non_git_sources = ["/home/dev/Documents", "/home/dev/notes"]
parallelism = 2

[thresholds]
small_mib = 50
medium_mib = 250

[consolidation]
max_incrementals = 5
age_days = 14

[cadence]
repo_interval = "4h"
archive_interval = "12h"
grace = "90s"

[timeouts]
soft_repo = "30m"
soft_archive = "1h"
hard_multiplier = 3

[critical]
allow = [".env*", "*.pem"]
deny = ["node_modules/**"]

[compression]
codec = "gzip"
level = 6

[verification]
enabled = false
cadence = "72h"
max_repos_to_test = 3
cleanup_after = false

[transport]
binary = "rclone"
extra_args = ["--transfers", "4"]
call_timeout = "10m"
retries = 5

[history]
retention_days = 30

[monitor]
enabled = true
listen = "127.0.0.1:9999"

[logging]
log_level = "debug"

[[sink]]
type = "log"

[[sink]]
type = "file"
path = "/tmp/events.jsonl"
`

	path := writeTestConfig(t, tomlContent)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bundles", cfg.BundleRoot)
	assert.Equal(t, "onedrive:backup/bundles", cfg.RemoteBase)
	assert.Equal(t, []string{"/home/dev/Documents", "/home/dev/notes"}, cfg.NonGitSources)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.Equal(t, int64(50), cfg.Thresholds.SmallMiB)
	assert.Equal(t, 5, cfg.Consolidation.MaxIncrementals)
	assert.Equal(t, "4h", cfg.Cadence.RepoInterval)
	assert.Equal(t, 3, cfg.Timeouts.HardMultiplier)
	assert.Equal(t, []string{".env*", "*.pem"}, cfg.Critical.Allow)
	assert.Equal(t, "gzip", cfg.Compression.Codec)
	assert.False(t, cfg.Verification.Enabled)
	assert.Equal(t, 5, cfg.Transport.Retries)
	assert.Equal(t, "127.0.0.1:9999", cfg.Monitor.Listen)
	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "file", cfg.Sinks[1].Type)
}

func TestLoad_UnknownKeySuggestion(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, `bundel_root = "/tmp/x"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundel_root")
	assert.Contains(t, err.Error(), "bundle_root")
}

func TestLoad_UnknownSectionKey(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, `
[consolidation]
max_incremental = 5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_incrementals")
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, `
bundle_root = "/tmp/bundles"

[consolidation]
max_incrementals = 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Consolidation.MaxIncrementals)
	// Untouched fields keep defaults.
	assert.Equal(t, defaultConsolidationAge, cfg.Consolidation.AgeDays)
	assert.Equal(t, int64(defaultSmallMiB), cfg.Thresholds.SmallMiB)
	assert.Equal(t, defaultCompressionCodec, cfg.Compression.Codec)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBundleRoot(), cfg.BundleRoot)
	assert.Equal(t, defaultMaxIncrementals, cfg.Consolidation.MaxIncrementals)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeTestConfig(t, `bundle_root = "/from/file"`)

	env := EnvOverrides{BundleRoot: "/from/env"}
	cli := CLIOverrides{ConfigPath: path}

	cfg, err := Resolve(env, cli)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.BundleRoot)

	cli.BundleRoot = "/from/cli"

	cfg, err = Resolve(env, cli)
	require.NoError(t, err)
	assert.Equal(t, "/from/cli", cfg.BundleRoot, "CLI flag wins over env")
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"empty bundle root", func(c *Config) { c.BundleRoot = "" }, "bundle_root"},
		{"negative parallelism", func(c *Config) { c.Parallelism = -1 }, "parallelism"},
		{"medium below small", func(c *Config) { c.Thresholds.MediumMiB = 10 }, "medium_mib"},
		{"zero incrementals", func(c *Config) { c.Consolidation.MaxIncrementals = 0 }, "max_incrementals"},
		{"bad duration", func(c *Config) { c.Cadence.RepoInterval = "tomorrow" }, "repo_interval"},
		{"bad codec", func(c *Config) { c.Compression.Codec = "lzma" }, "codec"},
		{"bad sink type", func(c *Config) { c.Sinks = []SinkConfig{{Type: "carrier-pigeon"}} }, "sink"},
		{"file sink no path", func(c *Config) { c.Sinks = []SinkConfig{{Type: "file"}} }, "path"},
		{"bad log level", func(c *Config) { c.Logging.LogLevel = "loud" }, "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantSub)
		})
	}
}

func TestEffectiveParallelism(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Parallelism = 9
	assert.Equal(t, 9, cfg.EffectiveParallelism())

	cfg.Parallelism = 0
	got := cfg.EffectiveParallelism()
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, 4)
}

func TestDurationAccessors_FallBackOnZeroValue(t *testing.T) {
	t.Parallel()

	var cad CadenceConfig

	assert.Positive(t, cad.RepoIntervalDuration())
	assert.Positive(t, cad.GraceDuration())
}
