package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloudsync/internal/config"
	"cloudsync/internal/source"
)

// LoadSources assembles the scheduling set: git repositories discovered
// under the projects root plus the declared non-git directories. A missing
// declared directory is a warning, not a startup failure; it will surface
// as a failed run if it is still absent when scheduled.
func LoadSources(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]source.Source, error) {
	var sources []source.Source

	if cfg.ProjectsRoot != "" {
		repos, err := source.DiscoverRepos(ctx, cfg.ProjectsRoot, logger)
		if err != nil {
			return nil, fmt.Errorf("supervisor: discovering repositories: %w", err)
		}

		for i := range repos {
			sources = append(sources, source.Source{Kind: source.KindGitRepo, Repo: &repos[i]})
		}
	}

	for _, path := range cfg.NonGitSources {
		dir, err := source.DirectoryFromPath(path)
		if err != nil {
			return nil, err
		}

		if _, statErr := os.Stat(dir.Path); statErr != nil {
			logger.Warn("declared source does not exist",
				slog.String("path", dir.Path),
			)
		}

		sources = append(sources, source.Source{Kind: source.KindDirectory, Dir: dir})
	}

	return sources, nil
}
