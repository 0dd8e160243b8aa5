package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"cloudsync/internal/config"
	"cloudsync/internal/history"
	"cloudsync/internal/monitor"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backup state for every source",
		Long: `Display per-source backup state: last outcome, last success age,
incremental chain length, and sizes, plus aggregate totals.

Reads manifests and run history only; never touches sources or the remote.
Output is a table on a terminal, JSON otherwise or with --json.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	a, err := newApp(logger)
	if err != nil {
		return err
	}

	ledger, err := history.Open(config.HistoryDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	// No liveness probe: a one-shot status has no supervisor to ask. The
	// snapshot reports supervisor fields as not running.
	builder := monitor.NewBuilder(a.store, ledger, nil, logger)

	snap, err := builder.Build(cmd.Context())
	if err != nil {
		return err
	}

	if flagJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
		return printJSON(snap)
	}

	printStatusTable(snap)

	return nil
}

func printStatusTable(snap *monitor.Snapshot) {
	if len(snap.Sources) == 0 {
		fmt.Println("No sources backed up yet. Run 'cloudsync sync' to get started.")

		return
	}

	headers := []string{"SOURCE", "TYPE", "OUTCOME", "LAST OK", "CHAIN", "SIZE"}
	rows := make([][]string, 0, len(snap.Sources))

	for _, s := range snap.Sources {
		outcome := s.LastOutcome
		if outcome == "" {
			outcome = "-"
		}

		lastOK := "never"
		if s.LastSuccessAt != nil {
			lastOK = formatAge(*s.LastSuccessAt)
		}

		rows = append(rows, []string{
			s.Key,
			s.Type,
			outcome,
			lastOK,
			fmt.Sprintf("%d", s.IncrementalCount),
			formatSize(s.TotalBytes),
		})
	}

	printTable(os.Stdout, headers, rows)

	fmt.Printf("\n%d source(s), %s total, %d failure(s) in the last 24h\n",
		snap.Aggregate.TotalSources,
		formatSize(snap.Aggregate.TotalBytes),
		snap.Aggregate.RecentFailures)
}
