package events

import (
	"context"
	"sync"
	"sync/atomic"

	"goa.design/llmos/runtime/telemetry"
)

type (
	// Bus fans events out to sinks. Emit never blocks the producer:
	// each sink owns a bounded queue drained by a dedicated goroutine,
	// and on overflow the oldest queued event is dropped and the
	// events_dropped counter incremented.
	//
	// Per-topic ordering within a single sink is FIFO; ordering across
	// sinks is unspecified.
	Bus struct {
		mu      sync.RWMutex
		workers []*sinkWorker
		logger  telemetry.Logger
		metrics telemetry.Metrics
		queue   int
		closed  bool
	}

	sinkWorker struct {
		sink    Sink
		ch      chan Event
		dropped atomic.Int64
		done    chan struct{}
	}
)

// DefaultQueueSize bounds each sink's delivery queue.
const DefaultQueueSize = 1024

// NewBus constructs a bus delivering to the given sinks. A bus with no
// sinks behaves like a null bus.
func NewBus(logger telemetry.Logger, metrics telemetry.Metrics, sinks ...Sink) *Bus {
	return NewBusSize(logger, metrics, DefaultQueueSize, sinks...)
}

// NewBusSize is NewBus with an explicit per-sink queue bound.
func NewBusSize(logger telemetry.Logger, metrics telemetry.Metrics, queue int, sinks ...Sink) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	b := &Bus{logger: logger, metrics: metrics, queue: queue}
	for _, s := range sinks {
		b.attach(s)
	}
	return b
}

func (b *Bus) attach(s Sink) {
	w := &sinkWorker{sink: s, ch: make(chan Event, b.queue), done: make(chan struct{})}
	b.workers = append(b.workers, w)
	go w.run(b.logger)
}

func (w *sinkWorker) run(logger telemetry.Logger) {
	defer close(w.done)
	ctx := context.Background()
	for e := range w.ch {
		if err := w.sink.Write(ctx, e); err != nil {
			logger.Warn(ctx, "event delivery failed", "topic", string(e.Topic), "kind", e.Kind, "err", err.Error())
		}
	}
}

// AddSink attaches a sink to a running bus.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.attach(s)
}

// Emit enqueues the event for every sink without blocking. When a
// sink's queue is full the oldest queued event is discarded to make
// room and the drop is counted.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, w := range b.workers {
		select {
		case w.ch <- e:
		default:
			// Queue full: drop the oldest, then retry once. A second
			// failure means the worker raced us to drain; the event
			// still fits.
			select {
			case <-w.ch:
				w.dropped.Add(1)
				b.metrics.IncCounter("events_dropped", 1, "topic", string(e.Topic))
			default:
			}
			select {
			case w.ch <- e:
			default:
				w.dropped.Add(1)
				b.metrics.IncCounter("events_dropped", 1, "topic", string(e.Topic))
			}
		}
	}
}

// Dropped reports the total number of events dropped across all sinks.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for _, w := range b.workers {
		total += w.dropped.Load()
	}
	return total
}

// Close stops delivery after draining queued events and closes the
// sinks. Emit calls after Close are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	workers := b.workers
	b.mu.Unlock()

	var first error
	for _, w := range workers {
		close(w.ch)
		<-w.done
		if err := w.sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
