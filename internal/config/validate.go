package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// validSinkTypes are the recognized notifier sink implementations.
var validSinkTypes = map[string]bool{
	"log": true, "file": true, "command": true,
}

// validCodecs are the recognized archive compressors.
var validCodecs = map[string]bool{
	"zstd": true, "gzip": true, "none": true,
}

// Validate checks a Config for internal consistency. It returns all
// problems joined, not just the first, so a user can fix a config file in
// one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.BundleRoot == "" {
		errs = append(errs, errors.New("bundle_root must not be empty"))
	}

	if cfg.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism must be >= 0, got %d", cfg.Parallelism))
	}

	if cfg.Thresholds.SmallMiB <= 0 {
		errs = append(errs, fmt.Errorf("thresholds.small_mib must be positive, got %d", cfg.Thresholds.SmallMiB))
	}

	if cfg.Thresholds.MediumMiB <= cfg.Thresholds.SmallMiB {
		errs = append(errs, fmt.Errorf("thresholds.medium_mib (%d) must exceed small_mib (%d)",
			cfg.Thresholds.MediumMiB, cfg.Thresholds.SmallMiB))
	}

	if cfg.Consolidation.MaxIncrementals < 1 {
		errs = append(errs, fmt.Errorf("consolidation.max_incrementals must be >= 1, got %d",
			cfg.Consolidation.MaxIncrementals))
	}

	if cfg.Consolidation.AgeDays < 1 {
		errs = append(errs, fmt.Errorf("consolidation.age_days must be >= 1, got %d", cfg.Consolidation.AgeDays))
	}

	if cfg.Timeouts.HardMultiplier < 1 {
		errs = append(errs, fmt.Errorf("timeouts.hard_multiplier must be >= 1, got %d", cfg.Timeouts.HardMultiplier))
	}

	errs = append(errs, validateDurations(cfg)...)

	if !validCodecs[cfg.Compression.Codec] {
		errs = append(errs, fmt.Errorf("compression.codec must be zstd, gzip, or none; got %q", cfg.Compression.Codec))
	}

	if cfg.Verification.MaxReposToTest < 1 {
		errs = append(errs, fmt.Errorf("verification.max_repos_to_test must be >= 1, got %d",
			cfg.Verification.MaxReposToTest))
	}

	if cfg.Transport.Binary == "" {
		errs = append(errs, errors.New("transport.binary must not be empty"))
	}

	if cfg.Transport.Retries < 1 {
		errs = append(errs, fmt.Errorf("transport.retries must be >= 1, got %d", cfg.Transport.Retries))
	}

	if cfg.History.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("history.retention_days must be >= 1, got %d", cfg.History.RetentionDays))
	}

	for i, s := range cfg.Sinks {
		if !validSinkTypes[s.Type] {
			errs = append(errs, fmt.Errorf("sink %d: unknown type %q (want log, file, or command)", i, s.Type))
			continue
		}

		if s.Type == "file" && s.Path == "" {
			errs = append(errs, fmt.Errorf("sink %d: file sink requires path", i))
		}

		if s.Type == "command" && s.Command == "" {
			errs = append(errs, fmt.Errorf("sink %d: command sink requires command", i))
		}
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level must be debug, info, warn, or error; got %q",
			cfg.Logging.LogLevel))
	}

	return errors.Join(errs...)
}

// validateDurations checks every duration-string field in one place.
func validateDurations(cfg *Config) []error {
	var errs []error

	fields := []struct {
		name  string
		value string
	}{
		{"cadence.repo_interval", cfg.Cadence.RepoInterval},
		{"cadence.archive_interval", cfg.Cadence.ArchiveInterval},
		{"cadence.grace", cfg.Cadence.Grace},
		{"timeouts.soft_repo", cfg.Timeouts.SoftRepo},
		{"timeouts.soft_archive", cfg.Timeouts.SoftArchive},
		{"verification.cadence", cfg.Verification.Cadence},
		{"transport.call_timeout", cfg.Transport.CallTimeout},
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}

		if d, err := time.ParseDuration(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", f.name, f.value))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: duration must be positive, got %q", f.name, f.value))
		}
	}

	return errs
}

// EffectiveParallelism resolves the worker-pool ceiling: a configured value
// wins; zero means min(NumCPU, 4).
func (c *Config) EffectiveParallelism() int {
	if c.Parallelism > 0 {
		return c.Parallelism
	}

	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}

	if n < 1 {
		n = 1
	}

	return n
}
