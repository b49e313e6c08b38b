// Package resources caps per-module concurrency. Every action dispatch
// acquires a slot from its module's weighted semaphore and releases it
// on all exit paths, so a slow provider can never saturate the daemon.
package resources

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultCap is the per-module concurrency cap when no override is
// configured.
const DefaultCap = 10

// Manager holds one weighted semaphore per module, created lazily on
// first acquire. Caps are fixed once a module's semaphore exists.
type Manager struct {
	mu        sync.Mutex
	defCap    int64
	overrides map[string]int64
	sems      map[string]*semaphore.Weighted
}

// NewManager constructs a manager with the given default cap and
// per-module overrides. Non-positive values fall back to DefaultCap.
func NewManager(defaultCap int, overrides map[string]int) *Manager {
	if defaultCap <= 0 {
		defaultCap = DefaultCap
	}
	m := &Manager{
		defCap:    int64(defaultCap),
		overrides: make(map[string]int64, len(overrides)),
		sems:      make(map[string]*semaphore.Weighted),
	}
	for id, c := range overrides {
		if c > 0 {
			m.overrides[id] = int64(c)
		}
	}
	return m
}

// Acquire blocks until a slot for the module is available or ctx is
// done. A successful acquire must be paired with exactly one Release.
func (m *Manager) Acquire(ctx context.Context, moduleID string) error {
	return m.sem(moduleID).Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking, reporting success.
func (m *Manager) TryAcquire(moduleID string) bool {
	return m.sem(moduleID).TryAcquire(1)
}

// Release returns a slot for the module.
func (m *Manager) Release(moduleID string) {
	m.sem(moduleID).Release(1)
}

// Cap reports the concurrency cap for a module.
func (m *Manager) Cap(moduleID string) int {
	if c, ok := m.overrides[moduleID]; ok {
		return int(c)
	}
	return int(m.defCap)
}

func (m *Manager) sem(moduleID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sems[moduleID]
	if !ok {
		cap := m.defCap
		if c, over := m.overrides[moduleID]; over {
			cap = c
		}
		s = semaphore.NewWeighted(cap)
		m.sems[moduleID] = s
	}
	return s
}
