package events

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"goa.design/llmos/runtime/telemetry"
)

type (
	// Sink receives events for one delivery target. Write is called
	// from the bus worker goroutine, one event at a time per sink.
	Sink interface {
		Write(ctx context.Context, e Event) error
		Close() error
	}

	// NullSink discards everything. The default when no sink is
	// configured.
	NullSink struct{}

	// FileSink appends newline-delimited JSON records to a single file.
	// Timestamps are clamped monotone non-decreasing within the file.
	FileSink struct {
		mu     sync.Mutex
		f      *os.File
		lastTS time.Time
	}

	// FanoutSink broadcasts each event to a list of child sinks. A
	// failing child is logged and skipped, never propagated.
	FanoutSink struct {
		sinks  []Sink
		logger telemetry.Logger
	}
)

// Write discards the event.
func (NullSink) Write(context.Context, Event) error { return nil }

// Close is a no-op.
func (NullSink) Close() error { return nil }

// NewFileSink opens (or creates) the NDJSON event log at path in
// append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

// Write appends one NDJSON record. The event's ts is bumped to the last
// written ts when the clock stepped backwards, keeping the file
// monotone.
func (s *FileSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.TS.Before(s.lastTS) {
		e.TS = s.lastTS
	} else {
		s.lastTS = e.TS
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Close syncs and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// NewFanoutSink broadcasts to the given sinks.
func NewFanoutSink(logger telemetry.Logger, sinks ...Sink) *FanoutSink {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &FanoutSink{sinks: sinks, logger: logger}
}

// Write delivers to every child sink in order, skipping failures.
func (s *FanoutSink) Write(ctx context.Context, e Event) error {
	for _, child := range s.sinks {
		if err := child.Write(ctx, e); err != nil {
			s.logger.Warn(ctx, "event sink write failed", "topic", string(e.Topic), "kind", e.Kind, "err", err.Error())
		}
	}
	return nil
}

// Close closes every child sink, returning the first error.
func (s *FanoutSink) Close() error {
	var first error
	for _, child := range s.sinks {
		if err := child.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
