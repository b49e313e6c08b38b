package triggers

import (
	"container/heap"
	"context"
	"sync"

	"goa.design/llmos/runtime/triggers/watch"
)

type (
	// Fire is one queued trigger activation.
	Fire struct {
		TriggerID string
		Priority  int
		Event     watch.FireEvent
		seq       uint64
	}

	// fireHeap orders fires by priority descending, then enqueue order.
	fireHeap []*Fire

	// Scheduler is the priority queue between watchers and the daemon
	// worker. Push never blocks; Pop blocks until a fire or ctx done.
	Scheduler struct {
		mu     sync.Mutex
		heap   fireHeap
		nextSeq uint64
		signal chan struct{}
	}
)

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fireHeap) Push(x any) { *h = append(*h, x.(*Fire)) }

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return f
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{signal: make(chan struct{}, 1)}
}

// Push enqueues a fire.
func (s *Scheduler) Push(f *Fire) {
	s.mu.Lock()
	f.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.heap, f)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Pop dequeues the highest-priority fire, blocking until one is
// available or ctx is done.
func (s *Scheduler) Pop(ctx context.Context) (*Fire, error) {
	for {
		s.mu.Lock()
		if s.heap.Len() > 0 {
			f := heap.Pop(&s.heap).(*Fire)
			s.mu.Unlock()
			return f, nil
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the queued fire count.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}
