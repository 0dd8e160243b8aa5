package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"cloudsync/internal/archive"
	"cloudsync/internal/bundle"
	"cloudsync/internal/config"
	"cloudsync/internal/manifest"
	"cloudsync/internal/restore"
	"cloudsync/internal/supervisor"
	"cloudsync/internal/transport"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagBundleRoot string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Config

// Exit codes. Scripts depend on these staying stable.
const (
	exitOK             = 0
	exitConfig         = 1
	exitSourceNotFound = 2
	exitManifestBad    = 3
	exitIntegrity      = 4
	exitTransport      = 5
	exitCancelled      = 6
	exitLockHeld       = 7
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudsync",
		Short:   "Workstation backup engine",
		Long:    "Backs up git repositories as bundles and arbitrary directories as incremental archives, mirrored to a remote via an external transport agent.",
		Version: version,
		// Silence Cobra's default error/usage printing; main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagBundleRoot, "bundle-root", "", "local bundle area (overrides config)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSourcesCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// (defaults -> config file -> environment -> CLI flags) and stores the
// result in resolvedCfg for use by subcommands.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
		BundleRoot: flagBundleRoot,
	}

	env := config.ReadEnvOverrides()

	cfg, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitCode maps an error onto the documented exit codes. Checks run from
// most to least specific because wrapped chains can match several
// sentinels.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, manifest.ErrLocked):
		return exitLockHeld
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitCancelled
	case errors.Is(err, restore.ErrIntegrity), errors.Is(err, restore.ErrVerifyFailure),
		errors.Is(err, restore.ErrArtifactMissing):
		return exitIntegrity
	case errors.Is(err, transport.ErrTransport):
		return exitTransport
	case errors.Is(err, manifest.ErrCorrupt):
		return exitManifestBad
	case errors.Is(err, bundle.ErrSourceMissing), errors.Is(err, archive.ErrSourceMissing),
		errors.Is(err, manifest.ErrMissing), errors.Is(err, errUnknownSource):
		return exitSourceNotFound
	default:
		return exitConfig
	}
}
