package resources

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapEnforced(t *testing.T) {
	m := NewManager(10, map[string]int{"gui": 2})
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Acquire(ctx, "gui"))
			defer m.Release("gui")
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTryAcquire(t *testing.T) {
	m := NewManager(0, map[string]int{"db": 1})
	require.True(t, m.TryAcquire("db"))
	assert.False(t, m.TryAcquire("db"))
	m.Release("db")
	assert.True(t, m.TryAcquire("db"))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := NewManager(1, map[string]int{"slow": 1})
	require.NoError(t, m.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCapDefaults(t *testing.T) {
	m := NewManager(0, nil)
	assert.Equal(t, DefaultCap, m.Cap("anything"))
	m = NewManager(4, map[string]int{"vision": 1})
	assert.Equal(t, 4, m.Cap("filesystem"))
	assert.Equal(t, 1, m.Cap("vision"))
}
