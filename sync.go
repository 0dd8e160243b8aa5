package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"cloudsync/internal/config"
	"cloudsync/internal/history"
	"cloudsync/internal/supervisor"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [source-key...]",
		Short: "Run one backup cycle",
		Long: `Run a one-shot backup cycle over all discovered sources, or only the
sources named on the command line.

Each git repository gets a full or incremental bundle depending on its
manifest state; each declared non-git directory gets an archive snapshot.
Results are appended to the run history. The command keeps going after a
per-source failure and reports the accumulated errors at the end.`,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := interruptContext(cmd.Context(), logger)

	a, err := newApp(logger)
	if err != nil {
		return err
	}

	all, err := supervisor.LoadSources(ctx, a.cfg, logger)
	if err != nil {
		return err
	}

	sources, err := selectSources(all, args)
	if err != nil {
		return err
	}

	ledger, err := history.Open(config.HistoryDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	var errs []error

	start := time.Now()

	for _, src := range sources {
		rec, runErr := a.runOnce(ctx, src)

		if rec != nil {
			if appendErr := ledger.Append(ctx, rec); appendErr != nil {
				logger.Warn("recording run history failed",
					"source", src.Key(), "error", appendErr)
			}

			statusf(flagQuiet, "%-40s %-18s %10s  %s\n",
				src.Key(), rec.Outcome, formatSize(rec.BytesProduced),
				rec.Duration.Round(time.Millisecond))
		}

		if runErr != nil {
			errs = append(errs, runErr)
		}

		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())

			break
		}
	}

	statusf(flagQuiet, "%d source(s) in %s\n",
		len(sources), time.Since(start).Round(time.Millisecond))

	return errors.Join(errs...)
}
