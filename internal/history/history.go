// Package history persists run records in a SQLite ledger. Every engine
// run appends exactly one record; the supervisor reads the ledger for
// catch-up decisions and the monitor aggregates it for the health surface.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Outcome is the terminal classification of one engine run.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped-no-change"
	OutcomeFull         Outcome = "full"
	OutcomeIncremental  Outcome = "incremental"
	OutcomeConsolidated Outcome = "consolidated"
	OutcomeEmptySource  Outcome = "empty-source"
	OutcomeFailed       Outcome = "failed"
	OutcomeCancelled    Outcome = "cancelled"
)

// Success reports whether the outcome counts as a completed run for
// catch-up scheduling. Skips count: the engine did evaluate the source.
func (o Outcome) Success() bool {
	switch o {
	case OutcomeFailed, OutcomeCancelled:
		return false
	default:
		return true
	}
}

// RunRecord is one ledger row.
type RunRecord struct {
	ID            string
	SourceKey     string
	SourceKind    string
	Outcome       Outcome
	StartedAt     time.Time
	Duration      time.Duration
	BytesProduced int64
	Error         string
}

// SQL statements for ledger operations.
const (
	sqlInsertRecord = `INSERT INTO run_records
		(id, source_key, source_kind, outcome, started_at, duration_ms, bytes_produced, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlLastSuccess = `SELECT started_at FROM run_records
		WHERE source_key = ? AND outcome NOT IN ('failed', 'cancelled')
		ORDER BY started_at DESC LIMIT 1`

	sqlLatestPerSource = `SELECT r.id, r.source_key, r.source_kind, r.outcome,
		r.started_at, r.duration_ms, r.bytes_produced, r.error
		FROM run_records r
		JOIN (SELECT source_key, MAX(started_at) AS latest
		      FROM run_records GROUP BY source_key) m
		ON r.source_key = m.source_key AND r.started_at = m.latest`

	sqlRecent = `SELECT id, source_key, source_kind, outcome,
		started_at, duration_ms, bytes_produced, error
		FROM run_records ORDER BY started_at DESC LIMIT ?`

	sqlFailuresSince = `SELECT COUNT(*) FROM run_records
		WHERE outcome = 'failed' AND started_at >= ?`

	sqlPrune = `DELETE FROM run_records WHERE started_at < ?`
)

// Ledger is the sole writer to the run-record database.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (creating if needed) the ledger at dbPath and runs migrations.
// WAL with synchronous=FULL for crash-safe durability.
func Open(dbPath string, logger *slog.Logger) (*Ledger, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &Ledger{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// NewRecord builds a RunRecord shell with a fresh ID and start time.
func (l *Ledger) NewRecord(sourceKey, sourceKind string) *RunRecord {
	return &RunRecord{
		ID:         uuid.NewString(),
		SourceKey:  sourceKey,
		SourceKind: sourceKind,
		StartedAt:  l.nowFunc().UTC(),
	}
}

// Append persists a completed record.
func (l *Ledger) Append(ctx context.Context, rec *RunRecord) error {
	_, err := l.db.ExecContext(ctx, sqlInsertRecord,
		rec.ID, rec.SourceKey, rec.SourceKind, string(rec.Outcome),
		rec.StartedAt.Unix(), rec.Duration.Milliseconds(), rec.BytesProduced, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("history: appending record for %s: %w", rec.SourceKey, err)
	}

	l.logger.Debug("run recorded",
		slog.String("source", rec.SourceKey),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int64("bytes", rec.BytesProduced),
	)

	return nil
}

// LastSuccess returns the start time of the most recent non-failed run for
// a source. ok is false when the source has never run successfully.
func (l *Ledger) LastSuccess(ctx context.Context, sourceKey string) (t time.Time, ok bool, err error) {
	var unix int64

	scanErr := l.db.QueryRowContext(ctx, sqlLastSuccess, sourceKey).Scan(&unix)
	if scanErr == sql.ErrNoRows {
		return time.Time{}, false, nil
	}

	if scanErr != nil {
		return time.Time{}, false, fmt.Errorf("history: querying last success for %s: %w", sourceKey, scanErr)
	}

	return time.Unix(unix, 0).UTC(), true, nil
}

// LatestBySource returns the most recent record per source key.
func (l *Ledger) LatestBySource(ctx context.Context) (map[string]*RunRecord, error) {
	rows, err := l.db.QueryContext(ctx, sqlLatestPerSource)
	if err != nil {
		return nil, fmt.Errorf("history: querying latest records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*RunRecord)

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out[rec.SourceKey] = rec
	}

	return out, rows.Err()
}

// Recent returns up to limit records, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*RunRecord, error) {
	rows, err := l.db.QueryContext(ctx, sqlRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("history: querying recent records: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// FailuresSince counts failed runs at or after t.
func (l *Ledger) FailuresSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, sqlFailuresSince, t.Unix()).Scan(&n); err != nil {
		return 0, fmt.Errorf("history: counting failures: %w", err)
	}

	return n, nil
}

// PruneOlderThan deletes records started before the cutoff, returning the
// number removed.
func (l *Ledger) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, sqlPrune, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("history: pruning records: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("pruned run records", slog.Int64("count", n))
	}

	return n, nil
}

func scanRecord(rows *sql.Rows) (*RunRecord, error) {
	var (
		rec        RunRecord
		outcome    string
		startedAt  int64
		durationMS int64
	)

	if err := rows.Scan(&rec.ID, &rec.SourceKey, &rec.SourceKind, &outcome,
		&startedAt, &durationMS, &rec.BytesProduced, &rec.Error); err != nil {
		return nil, fmt.Errorf("history: scanning record: %w", err)
	}

	rec.Outcome = Outcome(outcome)
	rec.StartedAt = time.Unix(startedAt, 0).UTC()
	rec.Duration = time.Duration(durationMS) * time.Millisecond

	return &rec, nil
}
