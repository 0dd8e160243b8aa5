// Package source models backup inputs: git repositories discovered under a
// projects root, and arbitrary non-git directories declared in config. The
// source key is the stable identifier for all persistent state.
package source

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind discriminates source variants.
type Kind string

const (
	KindGitRepo   Kind = "git-repository"
	KindDirectory Kind = "non-git-directory"
)

// SizeCategory buckets a source by byte size.
type SizeCategory string

const (
	CategorySmall  SizeCategory = "small"
	CategoryMedium SizeCategory = "medium"
	CategoryLarge  SizeCategory = "large"
)

const mib = 1024 * 1024

// Categorize maps a byte size onto a category given MiB thresholds.
// A size exactly at a threshold lands in the larger bucket.
func Categorize(sizeBytes, smallMiB, mediumMiB int64) SizeCategory {
	switch {
	case sizeBytes < smallMiB*mib:
		return CategorySmall
	case sizeBytes < mediumMiB*mib:
		return CategoryMedium
	default:
		return CategoryLarge
	}
}

// GitRepo is a git repository source. Key is the path relative to the
// projects root and is the primary key for all persistent state.
type GitRepo struct {
	Path string // absolute path to the working tree
	Key  string // stable relative identifier
}

// Directory is an arbitrary non-git directory source.
type Directory struct {
	Path     string // absolute path
	Key      string // stable identifier derived from the path
	Category string // heuristic tag (documents, media, code, data)
}

// Source is the union the supervisor schedules over.
type Source struct {
	Kind Kind
	Repo *GitRepo   // set when Kind == KindGitRepo
	Dir  *Directory // set when Kind == KindDirectory
}

// Key returns the stable identifier regardless of variant.
func (s Source) Key() string {
	if s.Repo != nil {
		return s.Repo.Key
	}

	if s.Dir != nil {
		return s.Dir.Key
	}

	return ""
}

// Path returns the absolute on-disk path regardless of variant.
func (s Source) Path() string {
	if s.Repo != nil {
		return s.Repo.Path
	}

	if s.Dir != nil {
		return s.Dir.Path
	}

	return ""
}

// SafeName converts a source key into a filesystem- and remote-safe file
// name fragment: path separators become double underscores, and anything
// outside [A-Za-z0-9._-] becomes a single underscore.
func SafeName(key string) string {
	key = strings.ReplaceAll(filepath.ToSlash(key), "/", "__")

	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return b.String()
}

// DirectoryFromPath builds a Directory source for a declared path. The key
// is the base name prefixed with "dir/" to keep git and non-git keys in
// disjoint namespaces; the category comes from name heuristics.
func DirectoryFromPath(path string) (*Directory, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("source: resolving %s: %w", path, err)
	}

	base := filepath.Base(abs)

	return &Directory{
		Path:     abs,
		Key:      "dir/" + base,
		Category: categorizeName(base),
	}, nil
}

// categoryHints maps directory-name substrings onto category tags.
var categoryHints = []struct {
	substr   string
	category string
}{
	{"doc", "documents"},
	{"paper", "documents"},
	{"note", "documents"},
	{"photo", "media"},
	{"picture", "media"},
	{"video", "media"},
	{"music", "media"},
	{"src", "code"},
	{"code", "code"},
	{"project", "code"},
	{"data", "data"},
	{"dataset", "data"},
}

func categorizeName(name string) string {
	lower := strings.ToLower(name)

	for _, h := range categoryHints {
		if strings.Contains(lower, h.substr) {
			return h.category
		}
	}

	return "general"
}
