// Package execx wraps subprocess execution behind a small interface so that
// engines depending on external tools (git, tar, the transport agent) can be
// tested with fakes.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner executes a command and returns its stdout. Implementations must
// honor ctx cancellation and include stderr in returned errors.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs real subprocesses via os/exec.
type ExecRunner struct{}

// Run executes name with args in dir (empty dir = inherited cwd), capturing
// stdout. On failure the error carries trimmed stderr for diagnostics.
func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execx: %s: %w", name, ctx.Err())
		}

		if stderr.Len() > 0 {
			return nil, fmt.Errorf("execx: %s %v: %w: %s", name, args, err, trimOutput(stderr.Bytes()))
		}

		return nil, fmt.Errorf("execx: %s %v: %w", name, args, err)
	}

	return stdout.Bytes(), nil
}

// maxErrOutput caps stderr included in error messages.
const maxErrOutput = 2048

func trimOutput(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxErrOutput {
		b = b[:maxErrOutput]
	}

	return string(b)
}
