package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cloudsync/internal/config"
	"cloudsync/internal/history"
	"cloudsync/internal/monitor"
	"cloudsync/internal/notify"
	"cloudsync/internal/supervisor"
)

// monitorShutdownTimeout bounds the HTTP server drain on daemon exit.
const monitorShutdownTimeout = 5 * time.Second

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the backup supervisor",
		Long: `Run the scheduling supervisor in the foreground until interrupted.

The supervisor evaluates catch-up on startup (a source whose cadence plus
grace has lapsed runs immediately), then ticks sources on their configured
cadences with a bounded worker pool. A cross-process lock guarantees a
single instance per bundle root. Use a service manager (systemd, launchd)
to daemonize; SIGTERM or SIGINT triggers a graceful drain.`,
		RunE: runDaemon,
	}

	cmd.AddCommand(newDaemonStopCmd())

	return cmd
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running supervisor",
		RunE:  runDaemonStop,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := interruptContext(cmd.Context(), logger)

	a, err := newApp(logger)
	if err != nil {
		return err
	}

	sources, err := supervisor.LoadSources(ctx, a.cfg, logger)
	if err != nil {
		return err
	}

	ledger, err := history.Open(config.HistoryDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	sinks := notify.BuildSinks(a.cfg.Sinks, logger)

	sup := supervisor.New(sources, supervisor.Engines{
		Bundle:  a.bundles,
		Archive: a.archives,
		Verify:  a.verifier,
	}, ledger, nil, supervisorConfig(a.cfg), logger)

	// The monitor server doubles as an event sink so /events streams the
	// same records the notifier sinks receive.
	var srv *monitor.Server

	if a.cfg.Monitor.Enabled {
		builder := monitor.NewBuilder(a.store, ledger, sup, logger)

		srv, err = monitor.NewServer(a.cfg.Monitor.Listen, builder, logger)
		if err != nil {
			return fmt.Errorf("starting monitor server: %w", err)
		}

		sinks = append(sinks, srv)

		go func() {
			if serveErr := srv.Serve(); serveErr != nil {
				logger.Error("monitor server stopped", "error", serveErr)
			}
		}()

		logger.Info("monitor listening", "addr", srv.Addr())
	}

	notifier := notify.New(sinks, logger)
	defer notifier.Close()

	sup.SetNotifier(notifier)

	// SIGHUP re-discovers sources so repos created after startup join the
	// schedule without a restart. Engine settings still need a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				fresh, loadErr := supervisor.LoadSources(ctx, a.cfg, logger)
				if loadErr != nil {
					logger.Error("source reload failed", "error", loadErr)

					continue
				}

				sup.ReplaceSources(fresh)
				logger.Info("sources reloaded", "count", len(fresh))
			}
		}
	}()

	watcher, err := supervisor.NewWatcher(sup, sources, logger)
	if err != nil {
		logger.Warn("filesystem watcher unavailable", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	runErr := sup.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("monitor shutdown", "error", err)
		}
	}

	return runErr
}

// supervisorConfig maps the file configuration onto the scheduler knobs.
func supervisorConfig(cfg *config.Config) supervisor.Config {
	verifyInterval := time.Duration(0)
	if cfg.Verification.Enabled {
		verifyInterval = cfg.Verification.CadenceDuration()
	}

	return supervisor.Config{
		RepoInterval:    cfg.Cadence.RepoIntervalDuration(),
		ArchiveInterval: cfg.Cadence.ArchiveIntervalDuration(),
		VerifyInterval:  verifyInterval,
		Grace:           cfg.Cadence.GraceDuration(),
		SoftRepo:        cfg.Timeouts.SoftRepoDuration(),
		SoftArchive:     cfg.Timeouts.SoftArchiveDuration(),
		HardMultiplier:  cfg.Timeouts.HardMultiplier,
		Parallelism:     cfg.EffectiveParallelism(),
		RetentionDays:   cfg.History.RetentionDays,
		LockPath:        config.PIDFilePath(),
	}
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	pidPath := config.PIDFilePath()

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no supervisor running (no PID file at %s)", pidPath)
		}

		return fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("PID file %s is malformed: %q", pidPath, strings.TrimSpace(string(data)))
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}

	statusf(flagQuiet, "sent SIGTERM to supervisor (pid %d)\n", pid)

	return nil
}
