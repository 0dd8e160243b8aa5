// Package notify fans structured events out to configured sinks. Delivery
// is best-effort and never blocks an engine run: each sink gets a buffered
// queue and a dedicated worker; events are dropped (and counted) when a
// sink cannot keep up.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindRunStart           Kind = "run.start"
	KindRunSuccess         Kind = "run.success"
	KindRunFailure         Kind = "run.failure"
	KindVerificationReport Kind = "verification.report"
	KindConsolidationDebt  Kind = "consolidation.recommended"
	KindLifecycle          Kind = "supervisor.lifecycle"
)

// Event is the structured record emitted to sinks. Humans see a formatter,
// machines see this struct.
type Event struct {
	Kind       Kind           `json:"kind"`
	Time       time.Time      `json:"time"`
	SourceKey  string         `json:"sourceKey,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Bytes      int64          `json:"bytes,omitempty"`
	Error      string         `json:"error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Sink delivers one event. Implementations may block; the Notifier
// isolates them from engines.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// queueDepth bounds the per-sink backlog before events are dropped.
const queueDepth = 256

// sinkTimeout bounds a single delivery attempt.
const sinkTimeout = 30 * time.Second

type sinkWorker struct {
	sink    Sink
	queue   chan Event
	dropped atomic.Int64
}

// Notifier multiplexes events onto sinks.
type Notifier struct {
	workers []*sinkWorker
	logger  *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New starts a Notifier delivering to the given sinks. Call Close to drain
// and stop the workers.
func New(sinks []Sink, logger *slog.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Notifier{logger: logger, cancel: cancel}

	for _, s := range sinks {
		w := &sinkWorker{sink: s, queue: make(chan Event, queueDepth)}
		n.workers = append(n.workers, w)

		n.wg.Add(1)

		go n.runWorker(ctx, w)
	}

	return n
}

func (n *Notifier) runWorker(ctx context.Context, w *sinkWorker) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-w.queue:
					n.deliver(w, ev)
				default:
					return
				}
			}
		case ev := <-w.queue:
			n.deliver(w, ev)
		}
	}
}

func (n *Notifier) deliver(w *sinkWorker, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := w.sink.Emit(ctx, ev); err != nil {
		n.logger.Warn("notifier sink failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Emit queues ev on every sink without blocking. Events beyond a sink's
// backlog are dropped.
func (n *Notifier) Emit(ev Event) {
	if n.closed.Load() {
		return
	}

	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	for _, w := range n.workers {
		select {
		case w.queue <- ev:
		default:
			w.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events dropped across sinks.
func (n *Notifier) Dropped() int64 {
	var total int64
	for _, w := range n.workers {
		total += w.dropped.Load()
	}

	return total
}

// Close stops accepting events, drains queues, and waits for workers.
func (n *Notifier) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}

	n.cancel()
	n.wg.Wait()
}
