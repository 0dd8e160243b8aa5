// Package monitor builds the read-only health snapshot and serves it over
// a loopback HTTP listener, with a WebSocket stream of engine events.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloudsync/internal/history"
	"cloudsync/internal/manifest"
)

// Liveness is what the supervisor exposes about itself.
type Liveness interface {
	// Running reports whether the scheduler loop is active.
	Running() bool
	// LastHeartbeat is the scheduler's most recent tick.
	LastHeartbeat() time.Time
	// NextRun is the earliest scheduled run across all sources.
	NextRun() (time.Time, bool)
}

// SourceStatus is the per-source slice of the snapshot.
type SourceStatus struct {
	Key              string     `json:"key"`
	Type             string     `json:"type"`
	Category         string     `json:"category,omitempty"`
	LastOutcome      string     `json:"lastOutcome,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	LastSuccessAt    *time.Time `json:"lastSuccessAt,omitempty"`
	IncrementalCount int        `json:"incrementalCount"`
	LastFullAgeSecs  int64      `json:"lastFullAgeSecs,omitempty"`
	LastBytes        int64      `json:"lastBytes"`
	TotalBytes       int64      `json:"totalBytes"`
}

// Aggregate is the roll-up slice of the snapshot.
type Aggregate struct {
	TotalSources    int        `json:"totalSources"`
	RecentFailures  int        `json:"recentFailures"`
	TotalBytes      int64      `json:"totalBytes"`
	NextScheduledAt *time.Time `json:"nextScheduledAt,omitempty"`
}

// Supervisor is the liveness slice of the snapshot.
type Supervisor struct {
	Running       bool       `json:"running"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// Snapshot is the full health surface, built on demand.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Sources     []SourceStatus `json:"sources"`
	Aggregate   Aggregate      `json:"aggregate"`
	Supervisor  Supervisor     `json:"supervisor"`
}

// Builder assembles snapshots from the manifest store and run ledger.
type Builder struct {
	store  *manifest.Store
	ledger *history.Ledger
	live   Liveness
	logger *slog.Logger
}

// NewBuilder creates a snapshot builder. live may be nil when no supervisor
// is attached (one-shot CLI invocations).
func NewBuilder(store *manifest.Store, ledger *history.Ledger, live Liveness, logger *slog.Logger) *Builder {
	return &Builder{store: store, ledger: ledger, live: live, logger: logger}
}

// recentFailureWindow is how far back the aggregate failure count looks.
const recentFailureWindow = 24 * time.Hour

// Build assembles a snapshot.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	now := time.Now().UTC()

	keys, err := b.store.List()
	if err != nil {
		return nil, err
	}

	latest, err := b.ledger.LatestBySource(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{GeneratedAt: now}

	for _, key := range keys {
		status := SourceStatus{Key: key}

		m, loadErr := b.store.Load(key)

		switch {
		case loadErr == nil:
			status.Type = string(m.ArchiveType)
			status.IncrementalCount = m.IncrementalCount
			status.TotalBytes = m.Metadata.TotalSizeCompressed

			if len(m.Metadata.Categories) > 0 {
				status.Category = m.Metadata.Categories[0]
			}

			if last := m.LastBundle(); last != nil {
				status.LastBytes = last.SizeBytes
			}

			if m.LastFullAt != nil {
				status.LastFullAgeSecs = int64(now.Sub(*m.LastFullAt).Seconds())
			}

		case errors.Is(loadErr, manifest.ErrCorrupt):
			status.LastError = loadErr.Error()

		default:
			return nil, loadErr
		}

		if rec := latest[key]; rec != nil {
			status.LastOutcome = string(rec.Outcome)

			if rec.Error != "" {
				status.LastError = rec.Error
			}
		}

		if t, ok, lsErr := b.ledger.LastSuccess(ctx, key); lsErr == nil && ok {
			ts := t
			status.LastSuccessAt = &ts
		}

		snap.Sources = append(snap.Sources, status)
		snap.Aggregate.TotalBytes += status.TotalBytes
	}

	snap.Aggregate.TotalSources = len(snap.Sources)

	failures, err := b.ledger.FailuresSince(ctx, now.Add(-recentFailureWindow))
	if err != nil {
		return nil, err
	}

	snap.Aggregate.RecentFailures = failures

	if b.live != nil {
		snap.Supervisor.Running = b.live.Running()

		if hb := b.live.LastHeartbeat(); !hb.IsZero() {
			t := hb
			snap.Supervisor.LastHeartbeat = &t
		}

		if next, ok := b.live.NextRun(); ok {
			t := next
			snap.Aggregate.NextScheduledAt = &t
		}
	}

	return snap, nil
}
