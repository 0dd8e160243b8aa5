// Package transport abstracts the external file-moving agent. The engine
// treats the remote as an opaque namespace: it asks for directories to be
// mirrored, files copied or deleted, and listings returned, and it bounds
// every call with a deadline. The default implementation shells out to an
// rclone-compatible binary; tests substitute fakes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransport is the base sentinel for all transport failures.
var ErrTransport = errors.New("transport failure")

// Error wraps a failed transport call with its retryability class.
// Retryable errors (network hiccups, rate limits) are retried with capped
// backoff by the Retrying wrapper; permanent errors surface immediately.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}

	return fmt.Sprintf("transport %s (%s): %v", e.Op, kind, e.Err)
}

// Unwrap exposes the underlying cause so callers can classify it, for
// example telling a deadline expiry apart from an agent failure.
func (e *Error) Unwrap() error { return e.Err }

// Is reports errors.Is(err, ErrTransport) true for every transport error.
func (e *Error) Is(target error) bool { return target == ErrTransport }

// RemoteEntry is one item in a remote directory listing.
type RemoteEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Transport is the capability surface engines depend on.
//
// Implementations guarantee that bytes written on success are byte-identical
// to the source and that partial failures leave the remote in a consistent
// prefix state; engines tolerate re-runs. No ordering is guaranteed across
// calls. Implementations must be safe for concurrent use.
type Transport interface {
	// Sync makes remoteDir match localDir: additions, updates, deletions.
	Sync(ctx context.Context, localDir, remoteDir string) error
	// Copy uploads a single file.
	Copy(ctx context.Context, localPath, remotePath string) error
	// Pull mirrors remoteDir into localDir.
	Pull(ctx context.Context, remoteDir, localDir string) error
	// List enumerates the immediate children of remoteDir.
	List(ctx context.Context, remoteDir string) ([]RemoteEntry, error)
	// Delete removes a single remote file.
	Delete(ctx context.Context, remotePath string) error
}
