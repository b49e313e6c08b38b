package watch

import (
	"context"
	"time"

	"goa.design/llmos/runtime/faults"
)

// Composite operators.
const (
	OpAnd    = "and"
	OpOr     = "or"
	OpNot    = "not"
	OpSeq    = "seq"
	OpWindow = "window"
)

// DefaultWindow bounds and/seq/window correlation and paces the not
// operator when the condition does not set its own.
const DefaultWindow = time.Minute

// Composite combines child watchers:
//
//	and     fires when every child has fired within the window, then resets
//	or      fires on any child fire
//	not     fires once per window in which no child fired
//	seq     fires when the children fire in order, each within the window
//	        of its predecessor, then resets
//	window  fires when at least Count distinct children fired within the
//	        window, then resets
type Composite struct {
	lifecycle
	Op       string
	Children []Watcher
	Window   time.Duration
	// Count is the window operator's minimum distinct children;
	// non-positive means one.
	Count int
}

type childFire struct {
	index int
	event FireEvent
}

// Start starts the children and the correlation loop.
func (w *Composite) Start(fire FireFunc) error {
	switch w.Op {
	case OpAnd, OpOr, OpNot, OpSeq, OpWindow:
	default:
		return faults.New(faults.CodeValidation, "unknown composite operator %q", w.Op)
	}
	if len(w.Children) == 0 {
		return faults.New(faults.CodeValidation, "composite %q has no children", w.Op)
	}
	if w.Op == OpSeq && len(w.Children) < 2 {
		return faults.New(faults.CodeValidation, "seq needs at least two children")
	}
	window := w.Window
	if window <= 0 {
		window = DefaultWindow
	}

	// Children start first so a failing child leaves no lifecycle to
	// unwind; their fires buffer until the correlation loop runs.
	fires := make(chan childFire, 64)
	var started []Watcher
	for i, child := range w.Children {
		idx := i
		if err := child.Start(func(e FireEvent) {
			select {
			case fires <- childFire{index: idx, event: e}:
			default:
				// A saturated correlation queue sheds the signal.
			}
		}); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return err
		}
		started = append(started, child)
	}

	ctx, done := w.begin()
	if ctx == nil {
		for _, s := range started {
			s.Stop()
		}
		return faults.New(faults.CodeWatcherFailed, "composite watcher already started")
	}

	go func() {
		defer close(done)
		defer func() {
			for _, child := range w.Children {
				child.Stop()
			}
		}()
		w.correlate(ctx, fires, fire, window)
	}()
	return nil
}

func (w *Composite) correlate(ctx context.Context, fires <-chan childFire, fire FireFunc, window time.Duration) {
	var (
		seen  = make(map[int]time.Time)
		stage int
		last  time.Time
	)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if w.Op == OpNot {
		ticker = time.NewTicker(window)
		tick = ticker.C
		defer ticker.Stop()
	}

	count := w.Count
	if count <= 0 {
		count = 1
	}

	for {
		select {
		case cf := <-fires:
			now := cf.event.FiredAt
			switch w.Op {
			case OpOr:
				fire(w.wrap(cf.event))
			case OpNot:
				last = now
			case OpAnd:
				seen[cf.index] = now
				if w.allWithin(seen, now, window) {
					seen = make(map[int]time.Time)
					fire(w.wrap(cf.event))
				}
			case OpSeq:
				switch {
				case cf.index == 0:
					stage, last = 1, now
				case cf.index == stage && now.Sub(last) <= window:
					stage++
					last = now
					if stage == len(w.Children) {
						stage = 0
						fire(w.wrap(cf.event))
					}
				case cf.index < stage:
					// Replays of an earlier stage restart the window.
					stage, last = cf.index+1, now
				}
			case OpWindow:
				seen[cf.index] = now
				distinct := 0
				for _, t := range seen {
					if now.Sub(t) <= window {
						distinct++
					}
				}
				if distinct >= count {
					seen = make(map[int]time.Time)
					fire(w.wrap(cf.event))
				}
			}
		case now := <-tick:
			if last.IsZero() || now.Sub(last) > window {
				fire(FireEvent{
					EventType: "composite_not",
					FiredAt:   now.UTC(),
					Payload:   map[string]any{"window_s": window.Seconds()},
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Composite) allWithin(seen map[int]time.Time, now time.Time, window time.Duration) bool {
	if len(seen) < len(w.Children) {
		return false
	}
	for _, t := range seen {
		if now.Sub(t) > window {
			return false
		}
	}
	return true
}

func (w *Composite) wrap(child FireEvent) FireEvent {
	return FireEvent{
		EventType: "composite_" + w.Op,
		FiredAt:   child.FiredAt,
		Payload: map[string]any{
			"operator": w.Op,
			"cause":    map[string]any{"event_type": child.EventType, "payload": child.Payload},
		},
	}
}
