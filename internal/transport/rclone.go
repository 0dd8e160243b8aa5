package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloudsync/internal/execx"
)

// retryableFragments are substrings of agent stderr that indicate a
// transient condition worth retrying. Anything else is treated as
// permanent: a bad remote path or auth failure does not improve with
// repetition.
var retryableFragments = []string{
	"timeout",
	"temporarily",
	"connection reset",
	"connection refused",
	"too many requests",
	"rate limit",
	"429",
	"5xx",
	"500 ",
	"502 ",
	"503 ",
	"eof",
}

// Agent invokes an rclone-compatible transport binary. Every call carries
// a deadline; the agent process is killed when it expires.
type Agent struct {
	binary    string
	extraArgs []string
	timeout   time.Duration
	runner    execx.Runner
	logger    *slog.Logger
}

// NewAgent creates an Agent around the given binary. extraArgs are appended
// to every invocation (bandwidth caps, config path, and the like).
func NewAgent(binary string, extraArgs []string, timeout time.Duration, runner execx.Runner, logger *slog.Logger) *Agent {
	return &Agent{
		binary:    binary,
		extraArgs: extraArgs,
		timeout:   timeout,
		runner:    runner,
		logger:    logger,
	}
}

func (a *Agent) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	full := append(append([]string(nil), args...), a.extraArgs...)

	start := time.Now()
	out, err := a.runner.Run(ctx, "", a.binary, full...)
	elapsed := time.Since(start)

	if err != nil {
		a.logger.Warn("transport call failed",
			slog.String("op", op),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)

		return nil, &Error{Op: op, Retryable: isRetryable(err), Err: err}
	}

	a.logger.Debug("transport call complete",
		slog.String("op", op),
		slog.Duration("elapsed", elapsed),
	)

	return out, nil
}

// isRetryable classifies an agent failure by its message. Context expiry is
// retryable: the deadline may simply have been too tight for the payload.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}

	return false
}

// Sync mirrors localDir to remoteDir, including deletions.
func (a *Agent) Sync(ctx context.Context, localDir, remoteDir string) error {
	_, err := a.run(ctx, "sync", "sync", localDir, remoteDir)

	return err
}

// Copy uploads a single file.
func (a *Agent) Copy(ctx context.Context, localPath, remotePath string) error {
	_, err := a.run(ctx, "copy", "copyto", localPath, remotePath)

	return err
}

// Pull mirrors remoteDir into localDir.
func (a *Agent) Pull(ctx context.Context, remoteDir, localDir string) error {
	_, err := a.run(ctx, "pull", "copy", remoteDir, localDir)

	return err
}

// lsjsonEntry is the subset of the agent's lsjson output we consume.
type lsjsonEntry struct {
	Name    string    `json:"Name"`
	Size    int64     `json:"Size"`
	ModTime time.Time `json:"ModTime"`
	IsDir   bool      `json:"IsDir"`
}

// List enumerates the immediate children of remoteDir.
func (a *Agent) List(ctx context.Context, remoteDir string) ([]RemoteEntry, error) {
	out, err := a.run(ctx, "list", "lsjson", remoteDir)
	if err != nil {
		return nil, err
	}

	var raw []lsjsonEntry
	if jsonErr := json.Unmarshal(out, &raw); jsonErr != nil {
		return nil, &Error{
			Op:  "list",
			Err: fmt.Errorf("decoding listing of %s: %w", remoteDir, jsonErr),
		}
	}

	entries := make([]RemoteEntry, len(raw))
	for i, e := range raw {
		entries[i] = RemoteEntry{Name: e.Name, Size: e.Size, ModTime: e.ModTime, IsDir: e.IsDir}
	}

	return entries, nil
}

// Delete removes a single remote file.
func (a *Agent) Delete(ctx context.Context, remotePath string) error {
	_, err := a.run(ctx, "delete", "deletefile", remotePath)

	return err
}
