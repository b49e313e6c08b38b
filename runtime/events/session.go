package events

import (
	"sync"
	"time"
)

type (
	// TriggerContext records the provenance of a plan launched by a
	// trigger: which trigger fired, why, and with what payload.
	TriggerContext struct {
		TriggerID string         `json:"trigger_id"`
		EventType string         `json:"event_type"`
		FiredAt   time.Time      `json:"fired_at"`
		Payload   map[string]any `json:"payload,omitempty"`
	}

	// SessionPropagator binds plan ids to the trigger context that
	// launched them so downstream consumers (audit, recording, prompt
	// composition) can recover provenance. Bindings are removed when
	// the plan terminates.
	SessionPropagator struct {
		mu       sync.RWMutex
		bindings map[string]TriggerContext
	}
)

// NewSessionPropagator returns an empty propagator.
func NewSessionPropagator() *SessionPropagator {
	return &SessionPropagator{bindings: make(map[string]TriggerContext)}
}

// Bind associates a plan id with its originating trigger context,
// replacing any previous binding.
func (p *SessionPropagator) Bind(planID string, tc TriggerContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings[planID] = tc
}

// Get returns the trigger context bound to the plan id, if any.
func (p *SessionPropagator) Get(planID string) (TriggerContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tc, ok := p.bindings[planID]
	return tc, ok
}

// Unbind removes the binding for the plan id. Unbinding an unknown id
// is a no-op.
func (p *SessionPropagator) Unbind(planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bindings, planID)
}

// Len reports the number of live bindings.
func (p *SessionPropagator) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bindings)
}
