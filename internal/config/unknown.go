package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys in the config file, in dotted form for
// section members. Array-of-table members (sink.*) are validated against
// their leaf names.
var knownKeys = map[string]bool{
	"bundle_root": true, "remote_base": true, "projects_root": true,
	"non_git_sources": true, "parallelism": true,

	"thresholds.small_mib": true, "thresholds.medium_mib": true,

	"consolidation.max_incrementals": true, "consolidation.age_days": true,

	"cadence.repo_interval": true, "cadence.archive_interval": true,
	"cadence.grace": true,

	"timeouts.soft_repo": true, "timeouts.soft_archive": true,
	"timeouts.hard_multiplier": true,

	"critical.allow": true, "critical.deny": true,

	"compression.codec": true, "compression.level": true,

	"verification.enabled": true, "verification.cadence": true,
	"verification.max_repos_to_test": true, "verification.cleanup_after": true,

	"transport.binary": true, "transport.extra_args": true,
	"transport.call_timeout": true, "transport.retries": true,

	"history.retention_days": true,

	"monitor.enabled": true, "monitor.listen": true,

	"logging.log_level": true,

	"sink.type": true, "sink.path": true, "sink.command": true,
}

// knownKeysList is the sorted slice form of knownKeys for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key. Silently
// ignoring a typo in a config file leads to hard-to-debug behavior, so
// unknown keys are fatal.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := normalizeKey(key.String())

		if knownKeys[keyStr] {
			continue
		}

		suggestion := closestMatch(keyStr, knownKeysList)
		if suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", keyStr, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", keyStr))
		}
	}

	return errors.Join(errs...)
}

// normalizeKey strips array indices from dotted TOML keys so that
// "sink.0.type" compares as "sink.type".
func normalizeKey(key string) string {
	parts := strings.Split(key, ".")
	out := parts[:0]

	for _, p := range parts {
		if isDigits(p) {
			continue
		}

		out = append(out, p)
	}

	return strings.Join(out, ".")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using the
// single-row optimization.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minInt(prev[j+1]+1, curr[j]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}

	return m
}
