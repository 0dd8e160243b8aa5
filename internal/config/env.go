package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "CLOUDSYNC_CONFIG"
	EnvBundleRoot = "CLOUDSYNC_BUNDLE_ROOT"
	EnvRemoteBase = "CLOUDSYNC_REMOTE_BASE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CLOUDSYNC_CONFIG: override config file path
	BundleRoot string // CLOUDSYNC_BUNDLE_ROOT: override local bundle area
	RemoteBase string // CLOUDSYNC_REMOTE_BASE: override remote prefix
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BundleRoot: os.Getenv(EnvBundleRoot),
		RemoteBase: os.Getenv(EnvRemoteBase),
	}
}
