package orchestration

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"goa.design/llmos/runtime/plan"
)

type (
	// GroupStatus is the aggregate outcome of a plan group.
	GroupStatus string

	// PlanGroup is a batch of independent plans executed together under
	// a shared concurrency cap and deadline.
	PlanGroup struct {
		GroupID string       `json:"group_id"`
		Plans   []*plan.Plan `json:"plans"`
		// MaxConcurrent bounds how many plans run at once; non-positive
		// falls back to DefaultGroupConcurrency.
		MaxConcurrent int `json:"max_concurrent,omitempty"`
		// Timeout bounds the whole group; zero means no group deadline.
		Timeout time.Duration `json:"-"`
	}

	// GroupResult aggregates the per-plan outcomes.
	GroupResult struct {
		GroupID string                     `json:"group_id"`
		Status  GroupStatus                `json:"status"`
		Summary GroupSummary               `json:"summary"`
		Plans   map[string]*ExecutionState `json:"plan_results"`
		// Errors maps plan ids to pre-flight rejection messages. The
		// reserved key "_group" records a group-level timeout.
		Errors     map[string]string `json:"errors,omitempty"`
		StartedAt  time.Time         `json:"started_at"`
		FinishedAt time.Time         `json:"finished_at"`
	}

	// GroupSummary counts the per-plan outcomes. Failed covers plans
	// that failed, were cancelled, or never started.
	GroupSummary struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	}
)

const (
	GroupCompleted      GroupStatus = "completed"
	GroupPartialFailure GroupStatus = "partial_failure"
	GroupFailed         GroupStatus = "failed"
)

// DefaultGroupConcurrency bounds group fan-out when the group does not
// set its own cap.
const DefaultGroupConcurrency = 3

// ExecuteGroup fans the group's plans out over the executor, at most
// MaxConcurrent at a time. A group timeout cancels the plans still in
// flight, records it under the "_group" error key, and forces the
// group status to failed even when some plans finished in time.
func (e *Executor) ExecuteGroup(ctx context.Context, g PlanGroup) *GroupResult {
	res := &GroupResult{
		GroupID:   g.GroupID,
		Plans:     make(map[string]*ExecutionState, len(g.Plans)),
		Errors:    make(map[string]string),
		StartedAt: time.Now().UTC(),
	}
	if len(g.Plans) == 0 {
		res.Status = GroupCompleted
		res.FinishedAt = time.Now().UTC()
		return res
	}

	gctx := ctx
	var cancel context.CancelFunc
	if g.Timeout > 0 {
		gctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	limit := g.MaxConcurrent
	if limit <= 0 {
		limit = DefaultGroupConcurrency
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, p := range g.Plans {
		wg.Add(1)
		go func(p *plan.Plan) {
			defer wg.Done()
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				res.Errors[p.PlanID] = "not started: " + err.Error()
				mu.Unlock()
				return
			}
			defer sem.Release(1)
			state, err := e.Execute(gctx, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[p.PlanID] = err.Error()
				return
			}
			res.Plans[p.PlanID] = state
		}(p)
	}
	wg.Wait()
	res.FinishedAt = time.Now().UTC()

	timedOut := gctx.Err() == context.DeadlineExceeded
	if timedOut {
		res.Errors["_group"] = "group timed out"
	}

	completed := 0
	for _, state := range res.Plans {
		if state.Status == plan.StatusCompleted {
			completed++
		}
	}
	total := len(g.Plans)
	res.Summary = GroupSummary{Total: total, Completed: completed, Failed: total - completed}
	switch {
	case timedOut:
		res.Status = GroupFailed
	case completed == total:
		res.Status = GroupCompleted
	case completed == 0:
		res.Status = GroupFailed
	default:
		res.Status = GroupPartialFailure
	}
	return res
}
