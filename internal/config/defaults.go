package config

// Default values for configuration options. Layer 0 of the override chain,
// chosen so that an empty config file yields a working setup.
const (
	defaultSmallMiB         = 100
	defaultMediumMiB        = 500
	defaultMaxIncrementals  = 10
	defaultConsolidationAge = 30 // days
	defaultRepoInterval     = "6h"
	defaultArchiveInterval  = "24h"
	defaultGrace            = "2m"
	defaultSoftRepo         = "1h"
	defaultSoftArchive      = "2h"
	defaultHardMultiplier   = 2
	defaultCompressionCodec = "zstd"
	defaultCompressionLevel = 3
	defaultVerifyCadence    = "168h" // weekly
	defaultMaxReposToTest   = 5
	defaultTransportBinary  = "rclone"
	defaultTransportTimeout = "30m"
	defaultTransportRetries = 3
	defaultRetentionDays    = 90
	defaultMonitorListen    = "127.0.0.1:8787"
	defaultLogLevel         = "info"
)

// defaultCriticalAllow captures the usual ignored-but-operationally-required
// files: environment files, keys, credentials.
var defaultCriticalAllow = []string{
	".env", ".env.*", "*.pem", "*.key", "*credentials*", "*.secret",
	"secrets.*", ".npmrc", ".netrc",
}

// defaultCriticalDeny excludes the big generated trees that would otherwise
// match a broad allow pattern.
var defaultCriticalDeny = []string{
	"node_modules/**", "dist/**", "build/**", "target/**", ".cache/**",
	"vendor/**", "__pycache__/**", "*.log",
}

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (unset fields keep their
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		BundleRoot: DefaultBundleRoot(),
		Thresholds: ThresholdConfig{
			SmallMiB:  defaultSmallMiB,
			MediumMiB: defaultMediumMiB,
		},
		Consolidation: ConsolidationConfig{
			MaxIncrementals: defaultMaxIncrementals,
			AgeDays:         defaultConsolidationAge,
		},
		Cadence: CadenceConfig{
			RepoInterval:    defaultRepoInterval,
			ArchiveInterval: defaultArchiveInterval,
			Grace:           defaultGrace,
		},
		Timeouts: TimeoutConfig{
			SoftRepo:       defaultSoftRepo,
			SoftArchive:    defaultSoftArchive,
			HardMultiplier: defaultHardMultiplier,
		},
		Critical: CriticalConfig{
			Allow: append([]string(nil), defaultCriticalAllow...),
			Deny:  append([]string(nil), defaultCriticalDeny...),
		},
		Compression: CompressionConfig{
			Codec: defaultCompressionCodec,
			Level: defaultCompressionLevel,
		},
		Verification: VerificationConfig{
			Enabled:        true,
			Cadence:        defaultVerifyCadence,
			MaxReposToTest: defaultMaxReposToTest,
			CleanupAfter:   true,
		},
		Transport: TransportConfig{
			Binary:      defaultTransportBinary,
			CallTimeout: defaultTransportTimeout,
			Retries:     defaultTransportRetries,
		},
		History: HistoryConfig{
			RetentionDays: defaultRetentionDays,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Listen:  defaultMonitorListen,
		},
		Logging: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
	}
}
