// Package watch implements the runtime watchers behind trigger
// definitions: timed (cron, interval, once), filesystem, process and
// resource-threshold observers, and composites that combine them. A
// watcher observes one condition and invokes its fire callback every
// time the condition is met; it knows nothing about plans or
// scheduling.
package watch

import (
	"context"
	"sync"
	"time"
)

type (
	// FireEvent describes one satisfied condition.
	FireEvent struct {
		EventType string         `json:"event_type"`
		FiredAt   time.Time      `json:"fired_at"`
		Payload   map[string]any `json:"payload,omitempty"`
	}

	// FireFunc receives fire events. Implementations must not block:
	// the trigger daemon enqueues and returns.
	FireFunc func(FireEvent)

	// Watcher observes one condition. Start is non-blocking and may be
	// called once; Stop cancels the observation and waits for the
	// watcher goroutine to exit. Stop on a never-started watcher is a
	// no-op.
	Watcher interface {
		Start(fire FireFunc) error
		Stop()
	}

	// lifecycle is the embedded start/stop bookkeeping every watcher
	// shares.
	lifecycle struct {
		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// begin allocates the watcher context. It returns nil when the watcher
// already started.
func (l *lifecycle) begin() (context.Context, chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	return ctx, l.done
}

// Stop cancels the watcher and waits for its goroutine.
func (l *lifecycle) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func fireNow(fire FireFunc, eventType string, payload map[string]any) {
	fire(FireEvent{EventType: eventType, FiredAt: time.Now().UTC(), Payload: payload})
}
