package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualWatcher lets tests fire a child condition on demand.
type manualWatcher struct {
	mu   sync.Mutex
	fire FireFunc
}

func (m *manualWatcher) Start(f FireFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fire = f
	return nil
}

func (m *manualWatcher) Stop() {}

func (m *manualWatcher) trigger() {
	m.mu.Lock()
	f := m.fire
	m.mu.Unlock()
	if f != nil {
		f(FireEvent{EventType: "manual", FiredAt: time.Now().UTC()})
	}
}

func collect() (FireFunc, chan FireEvent) {
	ch := make(chan FireEvent, 64)
	return func(e FireEvent) { ch <- e }, ch
}

func expectFire(t *testing.T, ch chan FireEvent) FireEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no fire arrived")
		return FireEvent{}
	}
}

func expectQuiet(t *testing.T, ch chan FireEvent, d time.Duration) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected fire %q", e.EventType)
	case <-time.After(d):
	}
}

func TestIntervalWatcherFiresRepeatedly(t *testing.T) {
	w := &IntervalWatcher{Interval: 10 * time.Millisecond}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))

	first := expectFire(t, ch)
	assert.Equal(t, "interval", first.EventType)
	expectFire(t, ch)

	w.Stop()
	for len(ch) > 0 {
		<-ch
	}
	expectQuiet(t, ch, 50*time.Millisecond)
}

func TestIntervalWatcherRejectsZeroInterval(t *testing.T) {
	w := &IntervalWatcher{}
	assert.Error(t, w.Start(func(FireEvent) {}))
}

func TestOnceWatcherFiresExactlyOnce(t *testing.T) {
	w := &OnceWatcher{At: time.Now().Add(10 * time.Millisecond)}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	e := expectFire(t, ch)
	assert.Equal(t, "once", e.EventType)
	expectQuiet(t, ch, 50*time.Millisecond)
}

func TestNewCronWatcherValidatesExpression(t *testing.T) {
	_, err := NewCronWatcher("not a cron line")
	require.Error(t, err)

	w, err := NewCronWatcher("*/5 * * * *")
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestFSWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	w := &FSWatcher{Path: dir, Coalesce: 100 * time.Millisecond}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}

	e := expectFire(t, ch)
	assert.Equal(t, "filesystem", e.EventType)
	changes := e.Payload["changes"].([]map[string]any)
	assert.NotEmpty(t, changes)
	// The burst lands in one coalescing window, not one fire per write.
	expectQuiet(t, ch, 150*time.Millisecond)
}

func TestProcessWatcherReportsTransitions(t *testing.T) {
	var mu sync.Mutex
	running := false
	w := &ProcessWatcher{
		Name: "demo",
		Poll: 5 * time.Millisecond,
		exists: func(context.Context) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			return running, nil
		},
	}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	mu.Lock()
	running = true
	mu.Unlock()
	assert.Equal(t, "process_start", expectFire(t, ch).EventType)

	mu.Lock()
	running = false
	mu.Unlock()
	assert.Equal(t, "process_stop", expectFire(t, ch).EventType)
}

func TestResourceWatcherAppliesHysteresis(t *testing.T) {
	samples := []float64{50, 90, 92, 70, 60, 95}
	var mu sync.Mutex
	i := 0
	w := &ResourceWatcher{
		Metric:     "cpu",
		Threshold:  80,
		Hysteresis: 15,
		Poll:       5 * time.Millisecond,
		sample: func(context.Context) (float64, error) {
			mu.Lock()
			defer mu.Unlock()
			v := samples[i]
			if i < len(samples)-1 {
				i++
			}
			return v, nil
		},
	}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	first := expectFire(t, ch)
	assert.Equal(t, "resource_threshold", first.EventType)
	assert.Equal(t, 90.0, first.Payload["value"])

	// 92 and 70 stay disarmed; 60 re-arms; 95 fires again.
	second := expectFire(t, ch)
	assert.Equal(t, 95.0, second.Payload["value"])
}

func TestResourceWatcherValidates(t *testing.T) {
	assert.Error(t, (&ResourceWatcher{Metric: "entropy", Threshold: 50}).Start(func(FireEvent) {}))
	assert.Error(t, (&ResourceWatcher{Metric: "cpu", Threshold: 0}).Start(func(FireEvent) {}))
}

func TestCompositeOrPassesThrough(t *testing.T) {
	c0, c1 := &manualWatcher{}, &manualWatcher{}
	w := &Composite{Op: OpOr, Children: []Watcher{c0, c1}}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	c1.trigger()
	e := expectFire(t, ch)
	assert.Equal(t, "composite_or", e.EventType)
}

func TestCompositeAndNeedsAllChildren(t *testing.T) {
	c0, c1 := &manualWatcher{}, &manualWatcher{}
	w := &Composite{Op: OpAnd, Children: []Watcher{c0, c1}, Window: time.Second}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	c0.trigger()
	expectQuiet(t, ch, 30*time.Millisecond)
	c1.trigger()
	assert.Equal(t, "composite_and", expectFire(t, ch).EventType)
}

func TestCompositeSeqEnforcesOrder(t *testing.T) {
	c0, c1 := &manualWatcher{}, &manualWatcher{}
	w := &Composite{Op: OpSeq, Children: []Watcher{c0, c1}, Window: time.Second}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	// Out of order does not fire.
	c1.trigger()
	expectQuiet(t, ch, 30*time.Millisecond)

	c0.trigger()
	c1.trigger()
	assert.Equal(t, "composite_seq", expectFire(t, ch).EventType)
}

func TestCompositeWindowCountsDistinctChildren(t *testing.T) {
	c0, c1, c2 := &manualWatcher{}, &manualWatcher{}, &manualWatcher{}
	w := &Composite{Op: OpWindow, Children: []Watcher{c0, c1, c2}, Window: time.Second, Count: 2}
	fire, ch := collect()
	require.NoError(t, w.Start(fire))
	defer w.Stop()

	c0.trigger()
	c0.trigger()
	expectQuiet(t, ch, 30*time.Millisecond)
	c2.trigger()
	assert.Equal(t, "composite_window", expectFire(t, ch).EventType)
}

func TestCompositeValidatesShape(t *testing.T) {
	assert.Error(t, (&Composite{Op: "xor", Children: []Watcher{&manualWatcher{}}}).Start(func(FireEvent) {}))
	assert.Error(t, (&Composite{Op: OpAnd}).Start(func(FireEvent) {}))
	assert.Error(t, (&Composite{Op: OpSeq, Children: []Watcher{&manualWatcher{}}}).Start(func(FireEvent) {}))
}
