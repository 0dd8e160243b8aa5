package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudsync/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records delivered events.
type captureSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{} // when non-nil, Emit blocks until closed
	err    error
}

func (c *captureSink) Emit(ctx context.Context, ev Event) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)

	return c.err
}

func (c *captureSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Event(nil), c.events...)
}

func TestNotifier_DeliversToAllSinks(t *testing.T) {
	t.Parallel()

	a, b := &captureSink{}, &captureSink{}
	n := New([]Sink{a, b}, testLogger())

	n.Emit(Event{Kind: KindRunSuccess, SourceKey: "alpha", Outcome: "full"})
	n.Close()

	require.Len(t, a.snapshot(), 1)
	require.Len(t, b.snapshot(), 1)
	assert.Equal(t, "alpha", a.snapshot()[0].SourceKey)
	assert.False(t, a.snapshot()[0].Time.IsZero(), "Emit stamps missing time")
}

func TestNotifier_EmitNeverBlocks(t *testing.T) {
	t.Parallel()

	blocked := &captureSink{block: make(chan struct{})}
	n := New([]Sink{blocked}, testLogger())

	done := make(chan struct{})

	go func() {
		defer close(done)

		// Far more events than the queue holds; must return immediately.
		for range queueDepth * 3 {
			n.Emit(Event{Kind: KindRunStart})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}

	assert.Positive(t, n.Dropped())

	close(blocked.block)
	n.Close()
}

func TestNotifier_SinkErrorDoesNotPropagate(t *testing.T) {
	t.Parallel()

	failing := &captureSink{err: errors.New("sink down")}
	n := New([]Sink{failing}, testLogger())

	n.Emit(Event{Kind: KindRunFailure})
	n.Close()

	assert.Len(t, failing.snapshot(), 1)
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events", "log.jsonl")
	s := &FileSink{Path: path}
	ctx := context.Background()

	require.NoError(t, s.Emit(ctx, Event{Kind: KindRunSuccess, SourceKey: "a", Time: time.Now().UTC()}))
	require.NoError(t, s.Emit(ctx, Event{Kind: KindRunFailure, SourceKey: "b", Error: "boom", Time: time.Now().UTC()}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}

	require.Len(t, lines, 2)
	assert.Equal(t, KindRunSuccess, lines[0].Kind)
	assert.Equal(t, "boom", lines[1].Error)
}

func TestCommandSink_ReceivesEventOnStdin(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "received.json")
	s := &CommandSink{Command: "cat > " + out}

	require.NoError(t, s.Emit(context.Background(), Event{Kind: KindLifecycle, Outcome: "started"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, KindLifecycle, ev.Kind)
}

func TestCommandSink_FailureSurfacesOutput(t *testing.T) {
	t.Parallel()

	s := &CommandSink{Command: "echo nope >&2; exit 1"}

	err := s.Emit(context.Background(), Event{Kind: KindLifecycle})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestBuildSinks(t *testing.T) {
	t.Parallel()

	sinks := BuildSinks([]config.SinkConfig{
		{Type: "file", Path: "/tmp/x.jsonl"},
		{Type: "command", Command: "true"},
		{Type: "log"},
	}, testLogger())

	// Implicit log sink + file + command; the explicit log entry is folded in.
	require.Len(t, sinks, 3)
	assert.IsType(t, &LogSink{}, sinks[0])
	assert.IsType(t, &FileSink{}, sinks[1])
	assert.IsType(t, &CommandSink{}, sinks[2])
}
