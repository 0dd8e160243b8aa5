package main

import (
	"github.com/spf13/cobra"

	"cloudsync/internal/restore"
)

func newRestoreCmd() *cobra.Command {
	var (
		flagOverwrite bool
		flagRoot      string
	)

	cmd := &cobra.Command{
		Use:   "restore <source-key> [target]",
		Short: "Restore a source from its bundles",
		Long: `Restore one source from its local bundle area, falling back to the
remote when no local manifest exists.

Git sources are cloned from the full bundle and each incremental is fetched
in recorded order; the target must be an empty or missing directory unless
--overwrite is given. Non-git sources are unpacked under the home directory
or under --root. Every artifact checksum is verified before anything is
written.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			ctx := interruptContext(cmd.Context(), logger)

			a, err := newApp(logger)
			if err != nil {
				return err
			}

			target := ""
			if len(args) == 2 {
				target = args[1]
			}

			res, err := a.restorer.Restore(ctx, args[0], target, restore.Options{
				Overwrite: flagOverwrite,
				Root:      flagRoot,
			})
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(res)
			}

			statusf(flagQuiet, "restored %s (%s) to %s: %d artifact(s), %s verified\n",
				res.SourceKey, res.ArchiveType, res.Target,
				res.ArtifactsApplied, formatSize(res.BytesVerified))

			return nil
		},
	}

	cmd.Flags().BoolVar(&flagOverwrite, "overwrite", false, "restore into a non-empty target")
	cmd.Flags().StringVar(&flagRoot, "root", "", "alternate root for non-git restores (default: home directory)")

	return cmd
}
