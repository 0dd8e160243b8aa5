// Package supervisor schedules engine runs: cadence-driven dispatch with
// catch-up, a bounded worker pool with per-source serialization, soft and
// hard timeouts, and a cross-process lock over the bundle area.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"cloudsync/internal/archive"
	"cloudsync/internal/bundle"
	"cloudsync/internal/history"
	"cloudsync/internal/notify"
	"cloudsync/internal/source"
	"cloudsync/internal/verify"
)

// Config carries the scheduling policy.
type Config struct {
	RepoInterval    time.Duration
	ArchiveInterval time.Duration
	VerifyInterval  time.Duration
	Grace           time.Duration

	SoftRepo       time.Duration
	SoftArchive    time.Duration
	HardMultiplier int

	Parallelism   int
	RetentionDays int
	LockPath      string

	// TickInterval is the scheduler's polling period; tests shorten it.
	TickInterval time.Duration
}

// Engines bundles the workers the supervisor dispatches to.
type Engines struct {
	Bundle  *bundle.Engine
	Archive *archive.Engine
	Verify  *verify.Engine
}

// Supervisor owns the scheduler loop.
type Supervisor struct {
	sources  []source.Source
	engines  Engines
	ledger   *history.Ledger
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]bool
	dirty    map[string]bool
	nextRun  map[string]time.Time

	heartbeatMu sync.Mutex
	heartbeat   time.Time
	running     bool

	lastVerify time.Time

	wg sync.WaitGroup
}

// New creates a supervisor over the given sources.
func New(sources []source.Source, engines Engines, ledger *history.Ledger, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}

	if cfg.HardMultiplier < 1 {
		cfg.HardMultiplier = 2
	}

	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}

	return &Supervisor{
		sources:  sources,
		engines:  engines,
		ledger:   ledger,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Parallelism)),
		inflight: make(map[string]bool),
		dirty:    make(map[string]bool),
		nextRun:  make(map[string]time.Time),
	}
}

// SetNotifier installs the event notifier. The daemon builds the monitor
// server with the supervisor as its liveness probe and the notifier with
// the server as a sink, so the notifier arrives after construction. Must be
// called before Run.
func (s *Supervisor) SetNotifier(n *notify.Notifier) {
	s.notifier = n
}

// Running implements monitor.Liveness.
func (s *Supervisor) Running() bool {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()

	return s.running
}

// LastHeartbeat implements monitor.Liveness.
func (s *Supervisor) LastHeartbeat() time.Time {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()

	return s.heartbeat
}

// NextRun implements monitor.Liveness: the earliest scheduled run.
func (s *Supervisor) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time

	for _, t := range s.nextRun {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	return earliest, !earliest.IsZero()
}

// MarkDirty hints that a source changed on disk; it becomes due at the next
// tick regardless of cadence.
func (s *Supervisor) MarkDirty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty[key] = true
}

// ReplaceSources swaps the scheduled source set, keeping schedule state
// for keys that survive. New keys have no nextRun entry and become due at
// the next tick. The daemon calls this on SIGHUP after re-discovering
// sources.
func (s *Supervisor) ReplaceSources(srcs []source.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(srcs))
	for _, src := range srcs {
		keep[src.Key()] = true
	}

	for key := range s.nextRun {
		if !keep[key] {
			delete(s.nextRun, key)
			delete(s.dirty, key)
		}
	}

	s.sources = srcs
}

// Run acquires the cross-process lock and drives the scheduler until ctx is
// cancelled. Blocks for the lifetime of the daemon.
func (s *Supervisor) Run(ctx context.Context) error {
	lock, err := AcquireLock(s.cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	s.setRunning(true)
	defer s.setRunning(false)

	s.mu.Lock()
	sourceCount := len(s.sources)
	s.mu.Unlock()

	s.notifier.Emit(notify.Event{
		Kind:   notify.KindLifecycle,
		Detail: map[string]any{"phase": "started", "sources": sourceCount},
	})

	defer s.notifier.Emit(notify.Event{
		Kind:   notify.KindLifecycle,
		Detail: map[string]any{"phase": "stopped"},
	})

	s.pruneHistory(ctx)

	if err := s.evaluateCatchUp(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// The first tick happens immediately so catch-up runs are not delayed
	// by a full tick interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()

			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) setRunning(v bool) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()

	s.running = v
}

// pruneHistory applies the retention policy at startup.
func (s *Supervisor) pruneHistory(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	if _, err := s.ledger.PruneOlderThan(ctx, cutoff); err != nil {
		s.logger.Warn("history pruning failed", slog.String("error", err.Error()))
	}
}

// evaluateCatchUp seeds the schedule: a source whose last successful run is
// older than cadence plus grace is due immediately; otherwise it is due one
// cadence after that run.
func (s *Supervisor) evaluateCatchUp(ctx context.Context) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, src := range s.sources {
		cadence := s.cadence(src)

		last, ok, err := s.ledger.LastSuccess(ctx, src.Key())
		if err != nil {
			return err
		}

		if !ok || now.Sub(last) >= cadence+s.cfg.Grace {
			s.nextRun[src.Key()] = now
		} else {
			s.nextRun[src.Key()] = last.Add(cadence)
		}
	}

	return nil
}

func (s *Supervisor) cadence(src source.Source) time.Duration {
	if src.Kind == source.KindGitRepo {
		return s.cfg.RepoInterval
	}

	return s.cfg.ArchiveInterval
}

func (s *Supervisor) softTimeout(src source.Source) time.Duration {
	if src.Kind == source.KindGitRepo {
		return s.cfg.SoftRepo
	}

	return s.cfg.SoftArchive
}

// tick dispatches every due source that is not already in flight, in
// declaration order, which keeps the backlog FIFO.
func (s *Supervisor) tick(ctx context.Context) {
	now := time.Now()

	s.heartbeatMu.Lock()
	s.heartbeat = now.UTC()
	s.heartbeatMu.Unlock()

	s.mu.Lock()
	srcs := s.sources
	s.mu.Unlock()

	for _, src := range srcs {
		key := src.Key()

		s.mu.Lock()
		due := s.dirty[key] || !now.Before(s.nextRun[key])
		busy := s.inflight[key]

		if due && !busy {
			s.inflight[key] = true
			delete(s.dirty, key)
		}
		s.mu.Unlock()

		if !due || busy {
			continue
		}

		s.wg.Add(1)

		go s.dispatch(ctx, src)
	}

	s.maybeVerify(ctx)
}

// dispatch waits for a pool slot, runs the source, and reschedules it.
func (s *Supervisor) dispatch(ctx context.Context, src source.Source) {
	defer s.wg.Done()

	key := src.Key()

	defer func() {
		s.mu.Lock()
		s.inflight[key] = false
		s.nextRun[key] = time.Now().Add(s.cadence(src))
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.runSource(ctx, src)
}

// runSource executes one engine run under soft and hard timeouts and
// records the outcome.
func (s *Supervisor) runSource(ctx context.Context, src source.Source) {
	key := src.Key()
	soft := s.softTimeout(src)
	hard := soft * time.Duration(s.cfg.HardMultiplier)

	s.notifier.Emit(notify.Event{Kind: notify.KindRunStart, SourceKey: key})

	runCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	type result struct {
		rec *history.RunRecord
		err error
	}

	done := make(chan result, 1)

	go func() {
		var (
			rec *history.RunRecord
			err error
		)

		if src.Kind == source.KindGitRepo {
			rec, err = s.engines.Bundle.RunOnce(runCtx, *src.Repo)
		} else {
			rec, err = s.engines.Archive.RunOnce(runCtx, *src.Dir)
		}

		done <- result{rec, err}
	}()

	hardTimer := time.NewTimer(hard)
	defer hardTimer.Stop()

	var (
		rec    *history.RunRecord
		runErr error
	)

	select {
	case res := <-done:
		rec, runErr = res.rec, res.err

	case <-hardTimer.C:
		// The engine missed every safe point; abandon it and record the
		// failure. The context cancel kills its subprocesses.
		s.logger.Error("hard timeout exceeded, abandoning run",
			slog.String("source", key),
			slog.Duration("hard", hard),
		)

		rec = s.ledger.NewRecord(key, string(src.Kind))
		rec.Outcome = history.OutcomeFailed
		rec.Error = fmt.Sprintf("hard timeout after %s", hard)
		rec.Duration = hard
		runErr = errors.New(rec.Error)
	}

	// A soft-timeout abort at a safe point is a cancellation, not a
	// failure.
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) {
		rec.Outcome = history.OutcomeCancelled
		rec.Error = fmt.Sprintf("soft timeout after %s", soft)
	}

	if err := s.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("recording run failed",
			slog.String("source", key),
			slog.String("error", err.Error()),
		)
	}

	ev := notify.Event{
		Kind:       notify.KindRunSuccess,
		SourceKey:  key,
		Outcome:    string(rec.Outcome),
		DurationMS: rec.Duration.Milliseconds(),
		Bytes:      rec.BytesProduced,
		Error:      rec.Error,
	}

	if !rec.Outcome.Success() {
		ev.Kind = notify.KindRunFailure
	}

	s.notifier.Emit(ev)
}

// maybeVerify launches a verification cycle when its cadence has elapsed.
func (s *Supervisor) maybeVerify(ctx context.Context) {
	if s.cfg.VerifyInterval <= 0 || s.engines.Verify == nil {
		return
	}

	s.mu.Lock()

	if !s.lastVerify.IsZero() && time.Since(s.lastVerify) < s.cfg.VerifyInterval {
		s.mu.Unlock()

		return
	}

	if s.inflight["~verify"] {
		s.mu.Unlock()

		return
	}

	s.inflight["~verify"] = true
	s.lastVerify = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		defer func() {
			s.mu.Lock()
			s.inflight["~verify"] = false
			s.mu.Unlock()
		}()

		report, err := s.engines.Verify.Run(ctx)
		if err != nil {
			s.logger.Error("verification cycle failed", slog.String("error", err.Error()))

			return
		}

		s.notifier.Emit(notify.Event{
			Kind: notify.KindVerificationReport,
			Detail: map[string]any{
				"tested":   len(report.Tested),
				"failures": len(report.Failures),
				"debt":     len(report.Debt),
				"clean":    report.Clean(),
			},
		})

		for _, d := range report.Debt {
			s.notifier.Emit(notify.Event{
				Kind:      notify.KindConsolidationDebt,
				SourceKey: d.SourceKey,
				Detail: map[string]any{
					"incrementalCount": d.IncrementalCount,
					"threshold":        d.Threshold,
				},
			})
		}
	}()
}
