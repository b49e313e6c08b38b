package orchestration

import (
	"context"
	"time"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/template"
)

// MaxRollbackDepth caps how far a chain of compensating actions may
// recurse when a rollback itself fails under on_error=rollback.
const MaxRollbackDepth = 5

// rollback dispatches the compensating action configured on a failed
// action. The target must be another action in the same plan; its
// params are merged with the rollback overrides, templates resolved,
// and the call dispatched exactly once with no retries. A failing
// rollback whose target is itself configured with on_error=rollback
// chains, bounded by MaxRollbackDepth.
func (e *Executor) rollback(ctx context.Context, p *plan.Plan, failed *plan.Action, state *ExecutionState, depth int) {
	if failed.Rollback == nil {
		return
	}
	if depth > MaxRollbackDepth {
		record := RecordFromError(faults.New(faults.CodeRollbackDepthExceeded,
			"rollback chain from %q exceeds depth %d", failed.ID, MaxRollbackDepth))
		state.Update(func(s *ExecutionState) { s.Errors[failed.ID+":rollback"] = record })
		e.log.Error(ctx, "rollback chain truncated", "plan_id", p.PlanID, "action_id", failed.ID, "depth", depth)
		return
	}

	target := p.ActionByID(failed.Rollback.Action)
	if target == nil {
		record := RecordFromError(faults.New(faults.CodeRollbackFailed,
			"rollback target %q not found in plan", failed.Rollback.Action))
		state.Update(func(s *ExecutionState) { s.Errors[failed.ID+":rollback"] = record })
		return
	}

	// Overrides win over the target's own params.
	merged := make(map[string]any, len(target.Params)+len(failed.Rollback.Params))
	for k, v := range target.Params {
		merged[k] = v
	}
	for k, v := range failed.Rollback.Params {
		merged[k] = v
	}
	params, err := e.resolver.ResolveParams(merged, template.Snapshot{
		Plan:     p,
		Results:  state.ResultsSnapshot(),
		Statuses: state.StatusSnapshot(),
	})
	if err != nil {
		e.recordRollbackFailure(ctx, p, failed, target, state, err, depth)
		return
	}

	e.log.Info(ctx, "rolling back", "plan_id", p.PlanID, "failed_action", failed.ID,
		"rollback_action", target.ID, "depth", depth)
	start := time.Now().UTC()
	result, err := e.dispatch(ctx, p, target, params, state)
	if err != nil {
		e.recordRollbackFailure(ctx, p, failed, target, state, err, depth)
		return
	}

	state.Update(func(s *ExecutionState) { s.Results[target.ID] = result })
	e.persist(ctx, state)
	ev := events.New(events.TopicActions, events.KindRollbackExecuted)
	ev.PlanID = p.PlanID
	ev.ActionID = target.ID
	ev.SessionID = p.SessionID
	ev.Payload = map[string]any{
		"failed_action": failed.ID,
		"duration_ms":   time.Since(start).Milliseconds(),
		"depth":         depth,
	}
	e.bus.Emit(ev)
}

func (e *Executor) recordRollbackFailure(ctx context.Context, p *plan.Plan, failed, target *plan.Action, state *ExecutionState, err error, depth int) {
	record := RecordFromError(faults.Wrap(faults.CodeRollbackFailed, err,
		"rollback %q for failed action %q", target.ID, failed.ID))
	state.Update(func(s *ExecutionState) { s.Errors[failed.ID+":rollback"] = record })
	e.persist(ctx, state)
	e.log.Error(ctx, "rollback failed", "plan_id", p.PlanID, "failed_action", failed.ID,
		"rollback_action", target.ID, "err", err.Error())
	if target.OnError == plan.OnErrorRollback && target.Rollback != nil {
		e.rollback(ctx, p, target, state, depth+1)
	}
}
