package watch

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"goa.design/llmos/runtime/faults"
)

// DefaultCoalesce is the window over which filesystem events for one
// watcher are merged into a single fire, so bulk writes do not storm
// the scheduler.
const DefaultCoalesce = 500 * time.Millisecond

// FSWatcher fires on filesystem changes under Path. Events accumulate
// for the coalescing window and fire once with the batch in the
// payload.
type FSWatcher struct {
	lifecycle
	// Path is the file or directory to observe.
	Path string
	// Events filters the fsnotify operations: create, write, remove,
	// rename, chmod. Empty means all but chmod.
	Events []string
	// Coalesce overrides DefaultCoalesce when positive.
	Coalesce time.Duration
}

// Start opens the fsnotify watch and begins coalescing.
func (w *FSWatcher) Start(fire FireFunc) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return faults.Wrap(faults.CodeWatcherFailed, err, "filesystem watcher init")
	}
	if err := fsw.Add(w.Path); err != nil {
		fsw.Close()
		return faults.Wrap(faults.CodeWatcherFailed, err, "watch %q", w.Path)
	}
	ctx, done := w.begin()
	if ctx == nil {
		fsw.Close()
		return faults.New(faults.CodeWatcherFailed, "filesystem watcher already started")
	}

	window := w.Coalesce
	if window <= 0 {
		window = DefaultCoalesce
	}
	mask := w.mask()

	go func() {
		defer close(done)
		defer fsw.Close()

		var (
			pending []map[string]any
			flush   <-chan time.Time
		)
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				op := opName(ev.Op)
				if _, watched := mask[op]; !watched {
					continue
				}
				pending = append(pending, map[string]any{"path": ev.Name, "op": op})
				if flush == nil {
					flush = time.After(window)
				}
			case <-flush:
				fireNow(fire, "filesystem", map[string]any{
					"path":    w.Path,
					"changes": pending,
				})
				pending = nil
				flush = nil
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				fireNow(fire, "watcher_error", map[string]any{"error": err.Error()})
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *FSWatcher) mask() map[string]struct{} {
	mask := make(map[string]struct{})
	if len(w.Events) == 0 {
		for _, op := range []string{"create", "write", "remove", "rename"} {
			mask[op] = struct{}{}
		}
		return mask
	}
	for _, e := range w.Events {
		mask[strings.ToLower(e)] = struct{}{}
	}
	return mask
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return "unknown"
}
