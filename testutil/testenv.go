// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Env is an isolated cloudsync environment: its own HOME, config file,
// projects root, remote directory, and a stub transport agent.
type Env struct {
	Home         string
	ConfigPath   string
	ProjectsRoot string
	BundleRoot   string
	RemoteDir    string
	AgentPath    string
}

// NewEnv lays out an isolated environment under a temp dir. The stub agent
// implements the rclone verbs the engine uses (sync, copyto, copy, lsjson)
// against a local directory, so no network or real rclone is needed.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	root := t.TempDir()

	env := &Env{
		Home:         filepath.Join(root, "home"),
		ProjectsRoot: filepath.Join(root, "home", "projects"),
		BundleRoot:   filepath.Join(root, "home", ".cloudsync", "bundles"),
		RemoteDir:    filepath.Join(root, "remote"),
		AgentPath:    filepath.Join(root, "bin", "fake-rclone"),
	}
	env.ConfigPath = filepath.Join(env.Home, ".cloudsync", "config.toml")

	for _, dir := range []string{env.ProjectsRoot, env.RemoteDir, filepath.Dir(env.AgentPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("creating %s: %v", dir, err)
		}
	}

	env.writeAgent(t)
	env.WriteConfig(t, nil)

	return env
}

// WriteConfig writes the environment's config file. extra lines are
// appended verbatim for per-test settings.
func (e *Env) WriteConfig(t *testing.T, extra []string) {
	t.Helper()

	lines := []string{
		fmt.Sprintf("bundle_root = %q", e.BundleRoot),
		fmt.Sprintf("remote_base = %q", e.RemoteDir),
		fmt.Sprintf("projects_root = %q", e.ProjectsRoot),
		"",
		"[transport]",
		fmt.Sprintf("binary = %q", e.AgentPath),
		`call_timeout = "30s"`,
	}
	lines = append(lines, extra...)

	if err := os.MkdirAll(filepath.Dir(e.ConfigPath), 0o755); err != nil {
		t.Fatalf("creating config dir: %v", err)
	}

	if err := os.WriteFile(e.ConfigPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

// writeAgent writes the stub transport script. Remote paths are plain
// local paths because remote_base points inside the temp dir.
func (e *Env) writeAgent(t *testing.T) {
	t.Helper()

	const script = `#!/bin/sh
set -e
verb="$1"; shift
case "$verb" in
sync)
  rm -rf "$2"; mkdir -p "$2"; cp -r "$1"/. "$2"/ ;;
copyto)
  mkdir -p "$(dirname "$2")"; cp "$1" "$2" ;;
copy)
  mkdir -p "$2"; [ -d "$1" ] && cp -r "$1"/. "$2"/ ;;
lsjson)
  echo "[]" ;;
*)
  echo "unknown verb $verb" >&2; exit 1 ;;
esac
`

	if err := os.WriteFile(e.AgentPath, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub agent: %v", err)
	}
}

// Command returns an exec.Cmd for the cloudsync binary with HOME pointed
// at the environment.
func (e *Env) Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(),
		"HOME="+e.Home,
		"CLOUDSYNC_CONFIG="+e.ConfigPath,
	)

	return cmd
}

// InitGitRepo creates a git repository with one commit under the projects
// root and returns its path.
func (e *Env) InitGitRepo(t *testing.T, name string) string {
	t.Helper()

	dir := filepath.Join(e.ProjectsRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating repo dir: %v", err)
	}

	e.Git(t, dir, "init", "-b", "main")
	e.Git(t, dir, "config", "user.email", "e2e@example.com")
	e.Git(t, dir, "config", "user.name", "e2e")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# "+name+"\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}

	e.Git(t, dir, "add", ".")
	e.Git(t, dir, "commit", "-m", "initial")

	return dir
}

// Git runs a git command in dir and fails the test on error.
func (e *Env) Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "HOME="+e.Home)

	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s in %s: %v\n%s", strings.Join(args, " "), dir, err, out)
	}

	return strings.TrimSpace(string(out))
}
