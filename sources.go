package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cloudsync/internal/manifest"
	"cloudsync/internal/source"
	"cloudsync/internal/supervisor"
)

// sourceListing is one row of `cloudsync sources` output.
type sourceListing struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	Category string `json:"category,omitempty"`
	Bundles  int    `json:"bundles"`
	Chain    int    `json:"chain"`
	State    string `json:"state"`
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List discovered backup sources",
		Long: `Walk the projects root for git repositories and list them together with
the configured non-git directories, alongside each source's manifest
state.`,
		RunE: runSources,
	}
}

func runSources(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	a, err := newApp(logger)
	if err != nil {
		return err
	}

	all, err := supervisor.LoadSources(cmd.Context(), a.cfg, logger)
	if err != nil {
		return err
	}

	listings := make([]sourceListing, 0, len(all))

	for _, src := range all {
		l := sourceListing{
			Key:   src.Key(),
			Kind:  string(src.Kind),
			Path:  src.Path(),
			State: "new",
		}

		if src.Dir != nil {
			l.Category = src.Dir.Category
		}

		m, err := a.store.Load(src.Key())
		switch {
		case errors.Is(err, manifest.ErrMissing):
			// First run pending.
		case errors.Is(err, manifest.ErrCorrupt):
			l.State = "corrupt"
		case err != nil:
			return err
		default:
			l.State = "backed-up"
			l.Bundles = len(m.Bundles)
			l.Chain = m.IncrementalCount
		}

		listings = append(listings, l)
	}

	if flagJSON {
		return printJSON(listings)
	}

	if len(listings) == 0 {
		fmt.Println("No sources found. Set projects_root or non_git_sources in the config.")

		return nil
	}

	headers := []string{"KEY", "KIND", "CATEGORY", "STATE", "BUNDLES", "CHAIN", "PATH"}
	rows := make([][]string, len(listings))

	for i, l := range listings {
		cat := l.Category
		if cat == "" {
			cat = "-"
		}

		rows[i] = []string{
			l.Key, shortKind(l.Kind), cat, l.State,
			fmt.Sprintf("%d", l.Bundles), fmt.Sprintf("%d", l.Chain), l.Path,
		}
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

// shortKind abbreviates the manifest archive-type strings for table output.
func shortKind(kind string) string {
	switch source.Kind(kind) {
	case source.KindGitRepo:
		return "git"
	case source.KindDirectory:
		return "dir"
	default:
		return kind
	}
}
