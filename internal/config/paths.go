package config

import (
	"os"
	"path/filepath"
)

// appDirName is the per-user application directory under the home dir.
const appDirName = ".cloudsync"

// homeDir returns the user home directory, falling back to the current
// working directory if it cannot be determined.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return home
}

// DefaultConfigPath returns the default config file location
// (~/.cloudsync/config.toml).
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), appDirName, "config.toml")
}

// DefaultBundleRoot returns the default local bundle area
// (~/.cloudsync/bundles).
func DefaultBundleRoot() string {
	return filepath.Join(homeDir(), appDirName, "bundles")
}

// DefaultDataDir returns the application data directory holding the run
// ledger, PID file, and scratch space (~/.cloudsync).
func DefaultDataDir() string {
	return filepath.Join(homeDir(), appDirName)
}

// HistoryDBPath returns the SQLite ledger path under the data dir.
func HistoryDBPath() string {
	return filepath.Join(DefaultDataDir(), "history.db")
}

// PIDFilePath returns the daemon PID file path under the data dir.
func PIDFilePath() string {
	return filepath.Join(DefaultDataDir(), "daemon.pid")
}

// ScratchDir returns the scratch area used by restore verification.
func ScratchDir() string {
	return filepath.Join(DefaultDataDir(), "scratch")
}
