package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cloudsync/internal/restore"
	"cloudsync/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Restore-test a sample of sources",
		Long: `Run one verification cycle: restore a sample of sources into scratch
space and check them (git fsck and branch presence for repositories,
member enumeration for archives). The sample always includes the smallest
source and the one with the longest incremental chain.

Also reports consolidation debt: sources whose incremental chain has
reached the consolidation threshold.`,
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := interruptContext(cmd.Context(), logger)

	a, err := newApp(logger)
	if err != nil {
		return err
	}

	report, err := a.verifier.Run(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printVerifyReport(report)
	}

	if !report.Clean() {
		return fmt.Errorf("%w: %d of %d tested source(s) failed",
			restore.ErrVerifyFailure, len(report.Failures), len(report.Tested))
	}

	return nil
}

func printVerifyReport(report *verify.Report) {
	fmt.Printf("Tested: %d source(s) in %s\n", len(report.Tested), report.Duration.Round(time.Millisecond))

	if report.Clean() {
		fmt.Println("All tested sources restored and verified.")
	} else {
		fmt.Printf("Failures: %d\n\n", len(report.Failures))

		headers := []string{"SOURCE", "REASON", "SCRATCH"}
		rows := make([][]string, len(report.Failures))

		for i, f := range report.Failures {
			rows[i] = []string{f.SourceKey, f.Reason, f.ScratchDir}
		}

		printTable(os.Stdout, headers, rows)
	}

	if len(report.Debt) > 0 {
		fmt.Printf("\nConsolidation recommended for %d source(s):\n", len(report.Debt))

		for _, d := range report.Debt {
			fmt.Printf("  %s: %d incrementals (threshold %d)\n",
				d.SourceKey, d.IncrementalCount, d.Threshold)
		}
	}
}
