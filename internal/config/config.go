// Package config implements TOML configuration loading, validation, and
// path resolution for cloudsync. It supports a three-layer override chain
// (defaults -> config file -> environment -> CLI flags) and rejects unknown
// keys with "did you mean?" suggestions. The resolved Config is passed by
// value into components; nothing in this package mutates global state.
package config

import "time"

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	// BundleRoot is the local bundle area. All manifests, bundles, and
	// archives live under it, partitioned by source key.
	BundleRoot string `toml:"bundle_root"`

	// RemoteBase is the remote namespace prefix handed opaquely to the
	// transport agent (e.g. "onedrive:backup/bundles").
	RemoteBase string `toml:"remote_base"`

	// ProjectsRoot is scanned for git repositories; each repo found becomes
	// a git source keyed by its path relative to this root.
	ProjectsRoot string `toml:"projects_root"`

	// NonGitSources lists arbitrary directories backed up by the archive
	// engine.
	NonGitSources []string `toml:"non_git_sources"`

	// Parallelism is the worker-pool ceiling for concurrent source runs.
	// Zero means min(NumCPU, 4).
	Parallelism int `toml:"parallelism"`

	Thresholds    ThresholdConfig    `toml:"thresholds"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Cadence       CadenceConfig      `toml:"cadence"`
	Timeouts      TimeoutConfig      `toml:"timeouts"`
	Critical      CriticalConfig     `toml:"critical"`
	Compression   CompressionConfig  `toml:"compression"`
	Verification  VerificationConfig `toml:"verification"`
	Transport     TransportConfig    `toml:"transport"`
	History       HistoryConfig      `toml:"history"`
	Monitor       MonitorConfig      `toml:"monitor"`
	Logging       LoggingConfig      `toml:"logging"`
	Sinks         []SinkConfig       `toml:"sink"`
}

// ThresholdConfig sets the byte thresholds for size categorization.
// A source strictly below SmallMiB is "small"; below MediumMiB, "medium";
// otherwise "large".
type ThresholdConfig struct {
	SmallMiB  int64 `toml:"small_mib"`
	MediumMiB int64 `toml:"medium_mib"`
}

// ConsolidationConfig controls when an incremental chain is replaced by a
// fresh full bundle.
type ConsolidationConfig struct {
	MaxIncrementals int    `toml:"max_incrementals"`
	AgeDays         int    `toml:"age_days"`
}

// CadenceConfig holds the scheduling intervals. Values are Go duration
// strings; Grace is the slack added before a missed window triggers a
// catch-up run at startup.
type CadenceConfig struct {
	RepoInterval    string `toml:"repo_interval"`
	ArchiveInterval string `toml:"archive_interval"`
	Grace           string `toml:"grace"`
}

// TimeoutConfig bounds engine runs. Soft expiry aborts at the next safe
// point; hard expiry (soft * HardMultiplier) kills the task.
type TimeoutConfig struct {
	SoftRepo       string `toml:"soft_repo"`
	SoftArchive    string `toml:"soft_archive"`
	HardMultiplier int    `toml:"hard_multiplier"`
}

// CriticalConfig holds the allow/deny glob lists for gitignored-but-critical
// file capture. Patterns use doublestar syntax, matched against paths
// relative to the repository root. The per-repo override file
// (.cloudsync-critical) appends to Allow.
type CriticalConfig struct {
	Allow []string `toml:"allow"`
	Deny  []string `toml:"deny"`
}

// CompressionConfig selects the archive compressor.
type CompressionConfig struct {
	// Codec is "zstd", "gzip", or "none".
	Codec string `toml:"codec"`
	// Level is codec-specific; zstd default 3.
	Level int `toml:"level"`
}

// VerificationConfig controls the periodic restore-and-check engine.
type VerificationConfig struct {
	Enabled        bool   `toml:"enabled"`
	Cadence        string `toml:"cadence"`
	MaxReposToTest int    `toml:"max_repos_to_test"`
	CleanupAfter   bool   `toml:"cleanup_after"`
}

// TransportConfig configures the external transport agent subprocess.
type TransportConfig struct {
	// Binary is the transport agent executable (default "rclone").
	Binary string `toml:"binary"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `toml:"extra_args"`
	// CallTimeout bounds a single transport call.
	CallTimeout string `toml:"call_timeout"`
	// Retries is the attempt cap for retryable failures.
	Retries int `toml:"retries"`
}

// HistoryConfig controls the run-record ledger.
type HistoryConfig struct {
	// RetentionDays prunes run records older than this on daemon startup.
	RetentionDays int `toml:"retention_days"`
}

// MonitorConfig controls the read-only health surface.
type MonitorConfig struct {
	Enabled bool `toml:"enabled"`
	// Listen is the HTTP bind address. Loopback only by default; the
	// surface is unauthenticated.
	Listen string `toml:"listen"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// SinkConfig declares one notifier sink. Type selects the implementation;
// the remaining fields are interpreted per type.
type SinkConfig struct {
	// Type is "log", "file", or "command".
	Type string `toml:"type"`
	// Path is the JSON-lines output file for the file sink.
	Path string `toml:"path"`
	// Command is the script executed per event by the command sink; the
	// JSON event is piped to its stdin.
	Command string `toml:"command"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	BundleRoot string // --bundle-root flag
}

// RepoInterval returns the parsed repo cadence. Validation guarantees the
// string parses; the zero Config falls back to the default.
func (c *CadenceConfig) RepoIntervalDuration() time.Duration {
	return mustDuration(c.RepoInterval, defaultRepoInterval)
}

// ArchiveIntervalDuration returns the parsed archive cadence.
func (c *CadenceConfig) ArchiveIntervalDuration() time.Duration {
	return mustDuration(c.ArchiveInterval, defaultArchiveInterval)
}

// GraceDuration returns the parsed catch-up grace window.
func (c *CadenceConfig) GraceDuration() time.Duration {
	return mustDuration(c.Grace, defaultGrace)
}

// SoftRepoDuration returns the soft timeout for git bundle runs.
func (t *TimeoutConfig) SoftRepoDuration() time.Duration {
	return mustDuration(t.SoftRepo, defaultSoftRepo)
}

// SoftArchiveDuration returns the soft timeout for archive runs.
func (t *TimeoutConfig) SoftArchiveDuration() time.Duration {
	return mustDuration(t.SoftArchive, defaultSoftArchive)
}

// CallTimeoutDuration returns the per-call transport deadline.
func (t *TransportConfig) CallTimeoutDuration() time.Duration {
	return mustDuration(t.CallTimeout, defaultTransportTimeout)
}

// CadenceDuration returns the verification cadence.
func (v *VerificationConfig) CadenceDuration() time.Duration {
	return mustDuration(v.Cadence, defaultVerifyCadence)
}

// ConsolidationAge returns AgeDays as a duration.
func (c *ConsolidationConfig) Age() time.Duration {
	return time.Duration(c.AgeDays) * 24 * time.Hour
}

// mustDuration parses s, falling back to def on empty or invalid input.
// Validate rejects invalid strings at load time, so the fallback only fires
// for zero-value structs constructed in tests.
func mustDuration(s string, def string) time.Duration {
	if s == "" {
		s = def
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}

	return d
}
