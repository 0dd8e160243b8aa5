package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloudsync/internal/archive"
	"cloudsync/internal/bundle"
	"cloudsync/internal/config"
	"cloudsync/internal/execx"
	"cloudsync/internal/gitcmd"
	"cloudsync/internal/history"
	"cloudsync/internal/manifest"
	"cloudsync/internal/restore"
	"cloudsync/internal/source"
	"cloudsync/internal/transport"
	"cloudsync/internal/verify"
)

// errUnknownSource marks a command-line source key that matched nothing.
var errUnknownSource = errors.New("source not found")

// app wires the component graph shared by the one-shot commands and the
// daemon. Everything hangs off the resolved config; no globals besides the
// flag variables.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store *manifest.Store
	git   *gitcmd.Client
	agent transport.Transport

	bundles  *bundle.Engine
	archives *archive.Engine
	restorer *restore.Engine
	verifier *verify.Engine
}

// newApp builds the engine graph from the resolved configuration.
func newApp(logger *slog.Logger) (*app, error) {
	cfg := resolvedCfg

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	store := manifest.NewStore(cfg.BundleRoot, logger)
	git := gitcmd.NewClient(execx.ExecRunner{}, logger)

	var agent transport.Transport = transport.NewAgent(
		cfg.Transport.Binary,
		cfg.Transport.ExtraArgs,
		cfg.Transport.CallTimeoutDuration(),
		execx.ExecRunner{},
		logger,
	)
	if cfg.Transport.Retries > 1 {
		agent = transport.NewRetrying(agent, cfg.Transport.Retries, logger)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}

	bundles := bundle.NewEngine(git, store, agent, bundle.Config{
		Hostname:         hostname,
		RemoteBase:       cfg.RemoteBase,
		SmallMiB:         cfg.Thresholds.SmallMiB,
		MediumMiB:        cfg.Thresholds.MediumMiB,
		MaxIncrementals:  cfg.Consolidation.MaxIncrementals,
		ConsolidationAge: cfg.Consolidation.Age(),
		CriticalAllow:    cfg.Critical.Allow,
		CriticalDeny:     cfg.Critical.Deny,
	}, logger)

	archives, err := archive.NewEngine(store, agent, archive.Config{
		Hostname:         hostname,
		RemoteBase:       cfg.RemoteBase,
		HomeDir:          home,
		SmallMiB:         cfg.Thresholds.SmallMiB,
		MediumMiB:        cfg.Thresholds.MediumMiB,
		MaxIncrementals:  cfg.Consolidation.MaxIncrementals,
		ConsolidationAge: cfg.Consolidation.Age(),
		Codec:            cfg.Compression.Codec,
		Level:            cfg.Compression.Level,
	}, logger)
	if err != nil {
		return nil, err
	}

	restorer := restore.NewEngine(store, git, agent, restore.Config{
		RemoteBase: cfg.RemoteBase,
		HomeDir:    home,
		ScratchDir: config.ScratchDir(),
	}, logger)

	verifier := verify.NewEngine(store, restorer, git, verify.Config{
		SampleRandom:    1,
		MaxReposToTest:  cfg.Verification.MaxReposToTest,
		MaxIncrementals: cfg.Consolidation.MaxIncrementals,
		ScratchDir:      config.ScratchDir(),
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		git:      git,
		agent:    agent,
		bundles:  bundles,
		archives: archives,
		restorer: restorer,
		verifier: verifier,
	}, nil
}

// runOnce dispatches one source to the matching engine and returns the run
// record alongside the engine error. The record is non-nil even on failure.
func (a *app) runOnce(ctx context.Context, src source.Source) (*history.RunRecord, error) {
	switch src.Kind {
	case source.KindGitRepo:
		return a.bundles.RunOnce(ctx, *src.Repo)
	case source.KindDirectory:
		return a.archives.RunOnce(ctx, *src.Dir)
	default:
		return nil, fmt.Errorf("unknown source kind %q for %s", src.Kind, src.Key())
	}
}

// selectSources filters the discovered sources by the keys given on the
// command line. No keys selects everything; an unknown key is an error.
func selectSources(all []source.Source, keys []string) ([]source.Source, error) {
	if len(keys) == 0 {
		return all, nil
	}

	byKey := make(map[string]source.Source, len(all))
	for _, s := range all {
		byKey[s.Key()] = s
	}

	selected := make([]source.Source, 0, len(keys))

	for _, k := range keys {
		s, ok := byKey[k]
		if !ok {
			return nil, fmt.Errorf("%w: no source %q (run `cloudsync sources` for the list)", errUnknownSource, k)
		}

		selected = append(selected, s)
	}

	return selected, nil
}
