package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"cloudsync/internal/config"
)

// LogSink writes events through the process logger. Failures surface as
// warnings, successes as info.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	attrs := []any{
		slog.String("kind", string(ev.Kind)),
	}

	if ev.SourceKey != "" {
		attrs = append(attrs, slog.String("source", ev.SourceKey))
	}

	if ev.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", ev.Outcome))
	}

	if ev.DurationMS > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", ev.DurationMS))
	}

	if ev.Bytes > 0 {
		attrs = append(attrs, slog.Int64("bytes", ev.Bytes))
	}

	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
		s.Logger.Warn("event", attrs...)

		return nil
	}

	s.Logger.Info("event", attrs...)

	return nil
}

// FileSink appends events as JSON lines to a file, creating parent
// directories as needed. A mutex serializes writers; the file is opened
// per event so external rotation is safe.
type FileSink struct {
	Path string

	mu sync.Mutex
}

func (s *FileSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("notify: creating sink dir: %w", err)
	}

	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("notify: opening %s: %w", s.Path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("notify: encoding event: %w", err)
	}

	return nil
}

// CommandSink pipes each event as JSON into a user script's stdin. Any
// pre/post-run hook a user wants is this: a sink, not an engine callback.
type CommandSink struct {
	Command string
}

func (s *CommandSink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encoding event: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Stdin = strings.NewReader(string(data))

	if out, runErr := cmd.CombinedOutput(); runErr != nil {
		return fmt.Errorf("notify: command sink: %w: %s", runErr, strings.TrimSpace(string(out)))
	}

	return nil
}

// BuildSinks constructs sinks from configuration. The log sink is always
// present so every event reaches the process log even with no sinks
// configured.
func BuildSinks(cfgs []config.SinkConfig, logger *slog.Logger) []Sink {
	sinks := []Sink{&LogSink{Logger: logger}}

	for _, c := range cfgs {
		switch c.Type {
		case "log":
			// Already present.
		case "file":
			sinks = append(sinks, &FileSink{Path: c.Path})
		case "command":
			sinks = append(sinks, &CommandSink{Command: c.Command})
		}
	}

	return sinks
}
