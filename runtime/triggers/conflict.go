package triggers

import (
	"context"
	"sync"
	"time"

	"goa.design/llmos/runtime/faults"
)

// DefaultQueueTimeout bounds how long a queued fire waits for a
// resource lock before it is dropped.
const DefaultQueueTimeout = 30 * time.Second

type (
	// Resolver is the in-memory lock table arbitrating triggered plans
	// that declare the same resource. At most one plan holds a resource
	// at any instant; release is automatic when the holding plan
	// terminates.
	Resolver struct {
		mu      sync.Mutex
		locks   map[string]lockHolder
		waiters map[string][]chan struct{}
		// preempt cancels the named plan so its lock releases. Wired to
		// the executor's Cancel by the daemon.
		preempt func(planID string)
		// QueueTimeout overrides DefaultQueueTimeout when positive.
		QueueTimeout time.Duration
	}

	lockHolder struct {
		planID   string
		priority int
	}
)

// NewResolver constructs a resolver. preempt may be nil, which turns
// the preempt policy into queue.
func NewResolver(preempt func(planID string)) *Resolver {
	return &Resolver{
		locks:   make(map[string]lockHolder),
		waiters: make(map[string][]chan struct{}),
		preempt: preempt,
	}
}

// Acquire takes the resource lock for planID, applying the conflict
// policy when the lock is held: reject fails immediately, preempt
// cancels a lower-priority holder then waits for the release, queue
// waits until release or timeout.
func (r *Resolver) Acquire(ctx context.Context, resource, planID string, priority int, policy ConflictPolicy) error {
	timeout := r.QueueTimeout
	if timeout <= 0 {
		timeout = DefaultQueueTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	preempted := false
	for {
		r.mu.Lock()
		holder, held := r.locks[resource]
		if !held {
			r.locks[resource] = lockHolder{planID: planID, priority: priority}
			r.mu.Unlock()
			return nil
		}
		if policy == PolicyReject {
			r.mu.Unlock()
			return faults.New(faults.CodeConflictRejected,
				"resource %q is held by plan %q", resource, holder.planID)
		}
		if policy == PolicyPreempt && !preempted && r.preempt != nil && priority > holder.priority {
			preempted = true
			victim := holder.planID
			r.mu.Unlock()
			// Cancellation releases the lock when the victim terminates.
			r.preempt(victim)
		} else {
			ch := make(chan struct{})
			r.waiters[resource] = append(r.waiters[resource], ch)
			r.mu.Unlock()
			select {
			case <-ch:
			case <-timer.C:
				return faults.New(faults.CodeConflictRejected,
					"timed out waiting for resource %q held by plan %q", resource, holder.planID)
			case <-ctx.Done():
				return faults.Wrap(faults.CodeCancelled, ctx.Err(), "lock wait for %q interrupted", resource)
			}
		}
	}
}

// Release frees every resource held by the plan and wakes the queued
// waiters.
func (r *Resolver) Release(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for resource, holder := range r.locks {
		if holder.planID != planID {
			continue
		}
		delete(r.locks, resource)
		for _, ch := range r.waiters[resource] {
			close(ch)
		}
		delete(r.waiters, resource)
	}
}

// Holder reports the plan currently holding a resource.
func (r *Resolver) Holder(resource string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.locks[resource]
	return h.planID, ok
}
