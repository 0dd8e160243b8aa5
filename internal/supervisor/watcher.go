package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"cloudsync/internal/source"
)

// Watcher turns filesystem events on non-git sources into dirty hints so
// changed directories are archived at the next tick instead of waiting out
// their cadence. Watching is best-effort: only the source roots are
// watched, which is enough of a signal for top-level churn.
type Watcher struct {
	fw     *fsnotify.Watcher
	sup    *Supervisor
	logger *slog.Logger

	// roots maps watched paths to source keys, longest path first.
	roots []watchRoot
}

type watchRoot struct {
	path string
	key  string
}

// NewWatcher starts watching the non-git sources. Sources whose root cannot
// be watched are skipped with a warning.
func NewWatcher(sup *Supervisor, sources []source.Source, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fw: fw, sup: sup, logger: logger}

	for _, src := range sources {
		if src.Kind != source.KindDirectory {
			continue
		}

		if err := fw.Add(src.Path()); err != nil {
			logger.Warn("could not watch source",
				slog.String("path", src.Path()),
				slog.String("error", err.Error()),
			)

			continue
		}

		w.roots = append(w.roots, watchRoot{path: src.Path(), key: src.Key()})
	}

	sort.Slice(w.roots, func(i, j int) bool {
		return len(w.roots[i].path) > len(w.roots[j].path)
	})

	return w, nil
}

// Run consumes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}

			if key := w.keyFor(ev.Name); key != "" {
				w.sup.MarkDirty(key)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) keyFor(path string) string {
	for _, r := range w.roots {
		if path == r.path || strings.HasPrefix(path, r.path+"/") {
			return r.key
		}
	}

	return ""
}
