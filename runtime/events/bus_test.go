package events

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink records every event it receives.
type collectSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *collectSink) Write(_ context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *collectSink) Close() error { return nil }

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestBusDeliversInOrder(t *testing.T) {
	sink := &collectSink{}
	bus := NewBus(nil, nil, sink)

	for i := 0; i < 10; i++ {
		e := New(TopicActions, KindActionStarted)
		e.ActionID = string(rune('a' + i))
		bus.Emit(e)
	}
	require.NoError(t, bus.Close())

	got := sink.all()
	require.Len(t, got, 10)
	for i, e := range got {
		assert.Equal(t, string(rune('a'+i)), e.ActionID)
	}
}

func TestBusDropsOldestOnOverflow(t *testing.T) {
	block := make(chan struct{})
	sink := &collectSink{block: block}
	bus := NewBusSize(nil, nil, 2, sink)

	// The worker parks on the first event; two more fill the queue and
	// the following two force drop-oldest.
	for i := 0; i < 5; i++ {
		e := New(TopicPlans, KindPlanStarted)
		e.PlanID = string(rune('0' + i))
		bus.Emit(e)
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, bus.Dropped(), int64(1))
	close(block)
	require.NoError(t, bus.Close())

	// The newest event always survives.
	got := sink.all()
	require.NotEmpty(t, got)
	assert.Equal(t, "4", got[len(got)-1].PlanID)
}

func TestBusEmitAfterCloseIsNoop(t *testing.T) {
	sink := &collectSink{}
	bus := NewBus(nil, nil, sink)
	require.NoError(t, bus.Close())
	bus.Emit(New(TopicErrors, "late"))
	assert.Empty(t, sink.all())
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	e1 := New(TopicActions, KindActionStarted)
	e1.PlanID = "p1"
	require.NoError(t, sink.Write(context.Background(), e1))

	// A second event with an earlier clock is clamped to keep the file
	// monotone.
	e2 := New(TopicActions, KindActionSucceeded)
	e2.TS = e1.TS.Add(-time.Hour)
	require.NoError(t, sink.Write(context.Background(), e2))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, KindActionStarted, lines[0].Kind)
	assert.False(t, lines[1].TS.Before(lines[0].TS))
}

type failSink struct{ calls int }

func (s *failSink) Write(context.Context, Event) error {
	s.calls++
	return os.ErrClosed
}
func (s *failSink) Close() error { return nil }

func TestFanoutSkipsFailingSink(t *testing.T) {
	bad := &failSink{}
	good := &collectSink{}
	fanout := NewFanoutSink(nil, bad, good)

	require.NoError(t, fanout.Write(context.Background(), New(TopicSecurity, KindScanBlocked)))
	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.all(), 1)
}

func TestSpawnChildInheritsCausality(t *testing.T) {
	parent := New(TopicActions, KindActionStarted)
	parent.PlanID = "p1"
	parent.SessionID = "s1"
	parent.CorrelationID = "c1"

	child := parent.SpawnChild(KindActionSucceeded)
	assert.Equal(t, parent.ID, child.CausedBy)
	assert.Equal(t, "p1", child.PlanID)
	assert.Equal(t, "s1", child.SessionID)
	assert.Equal(t, "c1", child.CorrelationID)
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestSessionPropagator(t *testing.T) {
	p := NewSessionPropagator()
	tc := TriggerContext{TriggerID: "t1", EventType: "cron", FiredAt: time.Now()}
	p.Bind("plan-1", tc)

	got, ok := p.Get("plan-1")
	require.True(t, ok)
	assert.Equal(t, "t1", got.TriggerID)

	p.Unbind("plan-1")
	_, ok = p.Get("plan-1")
	assert.False(t, ok)
	assert.Zero(t, p.Len())
}
