package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff policy for retryable failures: capped exponential starting at
// 5 s, ceiling 5 min.
const (
	defaultBaseDelay = 5 * time.Second
	defaultMaxDelay  = 5 * time.Minute
)

// Retrying decorates a Transport with capped exponential backoff on
// retryable errors. Permanent errors pass through on the first attempt.
type Retrying struct {
	inner    Transport
	attempts uint64
	base     time.Duration
	logger   *slog.Logger
}

// NewRetrying wraps inner, retrying each call up to attempts times total.
func NewRetrying(inner Transport, attempts int, logger *slog.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}

	return &Retrying{
		inner:    inner,
		attempts: uint64(attempts),
		base:     defaultBaseDelay,
		logger:   logger,
	}
}

// withBase overrides the initial backoff delay. Test hook.
func (r *Retrying) withBase(d time.Duration) *Retrying {
	r.base = d

	return r
}

func (r *Retrying) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithCappedDuration(defaultMaxDelay, retry.NewExponential(r.base))
	b = retry.WithMaxRetries(r.attempts-1, b)

	attempt := 0

	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var terr *Error
		if errors.As(err, &terr) && terr.Retryable {
			r.logger.Warn("retrying transport call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		return err
	})
}

func (r *Retrying) Sync(ctx context.Context, localDir, remoteDir string) error {
	return r.do(ctx, "sync", func(ctx context.Context) error {
		return r.inner.Sync(ctx, localDir, remoteDir)
	})
}

func (r *Retrying) Copy(ctx context.Context, localPath, remotePath string) error {
	return r.do(ctx, "copy", func(ctx context.Context) error {
		return r.inner.Copy(ctx, localPath, remotePath)
	})
}

func (r *Retrying) Pull(ctx context.Context, remoteDir, localDir string) error {
	return r.do(ctx, "pull", func(ctx context.Context) error {
		return r.inner.Pull(ctx, remoteDir, localDir)
	})
}

func (r *Retrying) List(ctx context.Context, remoteDir string) ([]RemoteEntry, error) {
	var entries []RemoteEntry

	err := r.do(ctx, "list", func(ctx context.Context) error {
		var innerErr error
		entries, innerErr = r.inner.List(ctx, remoteDir)

		return innerErr
	})

	return entries, err
}

func (r *Retrying) Delete(ctx context.Context, remotePath string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.inner.Delete(ctx, remotePath)
	})
}
