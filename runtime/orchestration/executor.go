package orchestration

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/modules"
	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/resources"
	"goa.design/llmos/runtime/security"
	"goa.design/llmos/runtime/telemetry"
	"goa.design/llmos/runtime/template"
)

type (
	// ExecutorConfig wires the executor's collaborators. Registry and
	// Security are required; everything else has a working default.
	ExecutorConfig struct {
		Registry  *modules.Registry
		Security  *security.Pipeline
		Resources *resources.Manager
		Store     StateStore
		Bus       *events.Bus
		Gate      *ApprovalGate
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		// WorkingDir is handed to providers through the execution
		// context.
		WorkingDir string
		// StrictTemplates fails an action on an unresolvable template
		// reference instead of substituting the unresolved marker.
		StrictTemplates bool
		// Capture receives every plan that reaches a terminal status.
		Capture CaptureSink
	}

	// CaptureSink observes finalized plans. The session recorder
	// implements it to capture executed plans for replay.
	CaptureSink interface {
		Capture(p *plan.Plan, finalStatus plan.Status)
	}

	// Executor runs validated plans wave by wave: per-action template
	// resolution, the security pipeline, the approval gate, dispatch
	// with retry and rollback, and state persistence on every terminal
	// transition.
	Executor struct {
		registry  *modules.Registry
		guard     *security.Pipeline
		resources *resources.Manager
		store     StateStore
		bus       *events.Bus
		gate      *ApprovalGate
		log       telemetry.Logger
		metrics   telemetry.Metrics
		resolver  *template.Resolver
		workDir   string
		capture   CaptureSink

		// sleep and jitter are swapped out by tests.
		sleep  func(context.Context, time.Duration) error
		jitter func() float64

		mu      sync.Mutex
		running map[string]*runEntry
	}

	runEntry struct {
		cancel        context.CancelFunc
		userCancelled atomic.Bool
	}
)

// NewExecutor constructs an executor from the config, filling defaults
// for absent collaborators.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		registry:  cfg.Registry,
		guard:     cfg.Security,
		resources: cfg.Resources,
		store:     cfg.Store,
		bus:       cfg.Bus,
		gate:      cfg.Gate,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		resolver:  &template.Resolver{Strict: cfg.StrictTemplates},
		workDir:   cfg.WorkingDir,
		capture:   cfg.Capture,
		sleep:     sleepCtx,
		jitter:    rand.Float64,
		running:   make(map[string]*runEntry),
	}
	if e.resources == nil {
		e.resources = resources.NewManager(0, nil)
	}
	if e.store == nil {
		e.store = NewInMemStateStore()
	}
	if e.bus == nil {
		e.bus = events.NewBus(nil, nil)
	}
	if e.gate == nil {
		e.gate = NewApprovalGate()
	}
	if e.log == nil {
		e.log = telemetry.NewNoopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	return e
}

// Gate exposes the approval gate so the API layer can resolve pending
// approvals.
func (e *Executor) Gate() *ApprovalGate { return e.gate }

// Store exposes the state store for status queries.
func (e *Executor) Store() StateStore { return e.store }

// Execute runs one plan to a terminal status and returns a snapshot of
// its final state. Pre-flight rejections (cycle, scan block, duplicate
// plan id in flight) return an error and no state; execution outcomes
// including failures are reported through the state, not the error.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*ExecutionState, error) {
	waves, err := Waves(p)
	if err != nil {
		return nil, err
	}
	if e.guard != nil {
		if err := e.guard.AdmitPlan(ctx, p); err != nil {
			return nil, err
		}
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if p.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds*float64(time.Second)))
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	entry := &runEntry{cancel: cancel}
	e.mu.Lock()
	if _, dup := e.running[p.PlanID]; dup {
		e.mu.Unlock()
		return nil, faults.New(faults.CodeValidation, "plan %q is already executing", p.PlanID)
	}
	e.running[p.PlanID] = entry
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, p.PlanID)
		e.mu.Unlock()
	}()

	state := NewExecutionState(p)
	state.Update(func(s *ExecutionState) { s.Status = plan.StatusRunning })
	e.persist(runCtx, state)
	e.emitPlan(p, events.KindPlanStarted, map[string]any{
		"actions": len(p.Actions), "mode": string(p.Mode), "execution_mode": string(p.ExecutionMode),
	})
	e.log.Info(runCtx, "plan started", "plan_id", p.PlanID, "actions", len(p.Actions), "waves", len(waves))

	stopped := false
	for _, wave := range waves {
		if stopped || runCtx.Err() != nil {
			break
		}
		var wg sync.WaitGroup
		var fatal atomic.Bool
		for _, id := range wave {
			a := p.ActionByID(id)
			wg.Add(1)
			go func(a *plan.Action) {
				defer wg.Done()
				if e.runAction(runCtx, p, a, state) {
					fatal.Store(true)
				}
			}(a)
		}
		wg.Wait()
		if fatal.Load() {
			stopped = true
		}
	}

	e.finalize(ctx, p, state, entry, stopped)
	return state.Snapshot(), nil
}

// Cancel requests cancellation of an in-flight plan. Unknown plan ids
// report an error so the caller can distinguish done from never-ran.
func (e *Executor) Cancel(planID string) error {
	e.mu.Lock()
	entry, ok := e.running[planID]
	e.mu.Unlock()
	if !ok {
		return faults.New(faults.CodeValidation, "plan %q is not executing", planID)
	}
	entry.userCancelled.Store(true)
	entry.cancel()
	return nil
}

// Running lists the plan ids currently executing.
func (e *Executor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// runAction drives one action to a terminal status. The return value
// reports whether the failure policy stops the plan.
func (e *Executor) runAction(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState) bool {
	// A dependency that did not succeed cascades a skip; descendants
	// inherit it the same way on their own turn.
	for _, dep := range a.DependsOn {
		if state.ActionStatus(dep) != plan.ActionSucceeded {
			e.skipAction(ctx, p, a, state, faults.New(faults.CodeDependencyFailed,
				"dependency %q did not succeed", dep))
			return false
		}
	}
	if ctx.Err() != nil {
		e.cancelAction(ctx, p, a, state)
		return true
	}

	started := time.Now().UTC()
	state.Update(func(s *ExecutionState) {
		as := s.Actions[a.ID]
		as.Status = plan.ActionRunning
		as.FirstStartedAt = &started
	})

	params, fatal, done := e.prepare(ctx, p, a, state)
	if done {
		return fatal
	}

	result, err := e.dispatchWithRetry(ctx, p, a, params, state)
	if err != nil {
		return e.handleFailure(ctx, p, a, state, err)
	}
	e.succeedAction(ctx, p, a, state, result, started)
	return false
}

// prepare resolves templates, runs the security pipeline, and holds at
// the approval gate. done reports that the action already reached a
// terminal status; fatal is only meaningful when done is set.
func (e *Executor) prepare(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState) (params map[string]any, fatal, done bool) {
	snap := template.Snapshot{
		Plan:     p,
		Results:  state.ResultsSnapshot(),
		Statuses: state.StatusSnapshot(),
	}
	params, err := e.resolver.ResolveParams(a.Params, snap)
	if err != nil {
		return nil, e.handleFailure(ctx, p, a, state, err), true
	}

	var spec modules.ActionSpec
	if e.registry != nil {
		spec, err = e.registry.Spec(a.Module, a.Action)
		if err != nil {
			return nil, e.handleFailure(ctx, p, a, state, err), true
		}
	}

	var decision security.Decision
	if e.guard != nil {
		decision, err = e.guard.CheckAction(ctx, p, a, spec)
		if err != nil {
			return nil, e.handleFailure(ctx, p, a, state, err), true
		}
	}

	if a.RequiresApproval || decision.RequiresApproval {
		resolved, fatal, done := e.awaitApproval(ctx, p, a, state, decision.Reason, params)
		if done {
			return nil, fatal, true
		}
		params = resolved
	}
	return params, false, false
}

// awaitApproval suspends the plan at the gate. On approve the resolved
// params come back, possibly edited under a modify decision.
func (e *Executor) awaitApproval(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState, reason string, params map[string]any) (map[string]any, bool, bool) {
	state.Update(func(s *ExecutionState) {
		s.Actions[a.ID].Status = plan.ActionAwaitingApproval
		s.Status = plan.StatusAwaitingApproval
	})
	e.emitPlan(p, events.KindPlanSuspended, map[string]any{
		"action_id": a.ID, "reason": reason,
	})

	resp, err := e.gate.Await(ctx, p.PlanID, a.ID, a.Module+"."+a.Action, map[string]any{
		"module": a.Module, "action": a.Action, "params": params, "reason": reason,
	})

	state.Update(func(s *ExecutionState) {
		if s.Status == plan.StatusAwaitingApproval {
			s.Status = plan.StatusRunning
		}
		s.Actions[a.ID].Status = plan.ActionRunning
	})
	e.emitPlan(p, events.KindPlanResumed, map[string]any{"action_id": a.ID})

	if err != nil {
		return nil, e.handleFailure(ctx, p, a, state, err), true
	}
	switch resp.Decision {
	case DecisionApprove, DecisionApproveAlways:
		return params, false, false
	case DecisionModify:
		if resp.Params != nil {
			return resp.Params, false, false
		}
		return params, false, false
	case DecisionSkip:
		e.skipAction(ctx, p, a, state, faults.New(faults.CodeUserRejected, "skipped by user"))
		return nil, false, true
	default:
		reject := faults.New(faults.CodeUserRejected, "rejected by user")
		if resp.Reason != "" {
			reject = faults.New(faults.CodeUserRejected, "rejected by user: %s", resp.Reason)
		}
		return nil, e.handleFailure(ctx, p, a, state, reject), true
	}
}

// dispatchWithRetry runs the dispatch under the action's retry policy.
// Only on_error=retry loops, and only over retryable fault codes. Each
// attempt publishes its own action_started event.
func (e *Executor) dispatchWithRetry(ctx context.Context, p *plan.Plan, a *plan.Action, params map[string]any, state *ExecutionState) (any, error) {
	attempts := 1
	retry := a.EffectiveRetry(p.RetryDefaults)
	if a.OnError == plan.OnErrorRetry {
		attempts = retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		state.Update(func(s *ExecutionState) { s.Actions[a.ID].Attempt = attempt })
		e.emitAction(p, a, events.KindActionStarted, map[string]any{
			"module": a.Module, "action": a.Action, "attempt": attempt,
		})
		result, err := e.dispatch(ctx, p, a, params, state)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == attempts || !faults.Retryable(err) {
			break
		}
		delay := backoffDelay(retry, attempt, e.jitter)
		e.log.Warn(ctx, "action failed, retrying", "plan_id", p.PlanID, "action_id", a.ID,
			"attempt", attempt, "delay", delay.String(), "err", err.Error())
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, faults.Wrap(faults.CodeCancelled, sleepErr, "retry wait interrupted")
		}
	}
	return nil, lastErr
}

// dispatch performs one provider call under the module concurrency cap
// and the per-action timeout, then sanitises the result.
func (e *Executor) dispatch(ctx context.Context, p *plan.Plan, a *plan.Action, params map[string]any, state *ExecutionState) (any, error) {
	if p.Mode == plan.ModeDryRun {
		return map[string]any{
			"dry_run": true,
			"module":  a.Module,
			"action":  a.Action,
			"params":  params,
		}, nil
	}

	if err := e.resources.Acquire(ctx, a.Module); err != nil {
		return nil, faults.Wrap(faults.CodeCancelled, err, "waiting for a %s slot", a.Module)
	}
	defer e.resources.Release(a.Module)

	provider, err := e.registry.Get(ctx, a.Module)
	if err != nil {
		return nil, err
	}

	actionCtx, cancel := context.WithTimeout(ctx, a.Timeout())
	defer cancel()

	start := time.Now()
	result, err := provider.Execute(actionCtx, a.Action, params, modules.ExecutionContext{
		PlanID:          p.PlanID,
		ActionID:        a.ID,
		SessionID:       p.SessionID,
		WorkingDir:      e.workDir,
		PreviousResults: state.ResultsSnapshot(),
	})
	e.metrics.RecordTimer("action_duration", time.Since(start), "module", a.Module)
	if err != nil {
		if actionCtx.Err() != nil && ctx.Err() == nil {
			return nil, faults.Wrap(faults.CodeTimeout, err,
				"action %q exceeded its %s timeout", a.ID, a.Timeout())
		}
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.CodeCancelled, err, "action %q interrupted", a.ID)
		}
		var f *faults.Fault
		if errors.As(err, &f) {
			return nil, err
		}
		return nil, faults.Wrap(faults.CodeProviderError, err, "%s.%s failed", a.Module, a.Action)
	}

	if e.guard != nil {
		result = e.guard.SanitizeResult(ctx, p.PlanID, a.ID, result)
	}
	return result, nil
}

// handleFailure applies the action's on_error policy. The return value
// reports whether the plan stops.
func (e *Executor) handleFailure(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState, err error) bool {
	if faults.IsCode(err, faults.CodeCancelled) {
		e.cancelAction(ctx, p, a, state)
		return true
	}

	record := RecordFromError(err)
	finished := time.Now().UTC()
	state.Update(func(s *ExecutionState) {
		as := s.Actions[a.ID]
		as.Status = plan.ActionFailed
		as.LastFinishedAt = &finished
		as.Error = &record
		s.Errors[a.ID] = record
	})
	e.persist(ctx, state)
	e.emitAction(p, a, events.KindActionFailed, map[string]any{
		"code": string(record.Code), "error": record.Message,
	})
	e.metrics.IncCounter("actions_executed", 1, "module", a.Module, "status", "failed")
	e.log.Error(ctx, "action failed", "plan_id", p.PlanID, "action_id", a.ID,
		"code", string(record.Code), "err", record.Message)

	switch a.OnError {
	case plan.OnErrorContinue:
		return false
	case plan.OnErrorRollback:
		e.rollback(ctx, p, a, state, 1)
		return true
	default:
		// fail, and retry once its attempts are spent.
		return true
	}
}

func (e *Executor) succeedAction(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState, result any, started time.Time) {
	finished := time.Now().UTC()
	state.Update(func(s *ExecutionState) {
		as := s.Actions[a.ID]
		as.Status = plan.ActionSucceeded
		as.LastFinishedAt = &finished
		as.Result = result
		s.Results[a.ID] = result
	})
	e.persist(ctx, state)
	e.emitAction(p, a, events.KindActionSucceeded, map[string]any{
		"duration_ms": finished.Sub(started).Milliseconds(),
	})
	e.metrics.IncCounter("actions_executed", 1, "module", a.Module, "status", "succeeded")
}

func (e *Executor) skipAction(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState, cause error) {
	record := RecordFromError(cause)
	finished := time.Now().UTC()
	state.Update(func(s *ExecutionState) {
		as := s.Actions[a.ID]
		as.Status = plan.ActionSkipped
		as.LastFinishedAt = &finished
		as.Error = &record
	})
	e.persist(ctx, state)
	e.emitAction(p, a, events.KindActionSkipped, map[string]any{
		"code": string(record.Code), "reason": record.Message,
	})
}

func (e *Executor) cancelAction(ctx context.Context, p *plan.Plan, a *plan.Action, state *ExecutionState) {
	finished := time.Now().UTC()
	state.Update(func(s *ExecutionState) {
		as := s.Actions[a.ID]
		as.Status = plan.ActionCancelled
		as.LastFinishedAt = &finished
	})
	e.persist(ctx, state)
	e.emitAction(p, a, events.KindActionCancelled, nil)
}

// finalize computes the terminal plan status, persists, and emits the
// terminal plan event.
func (e *Executor) finalize(ctx context.Context, p *plan.Plan, state *ExecutionState, entry *runEntry, stopped bool) {
	finished := time.Now().UTC()
	var failed, cancelled int
	state.Update(func(s *ExecutionState) {
		for _, as := range s.Actions {
			switch as.Status {
			case plan.ActionFailed:
				failed++
			case plan.ActionCancelled:
				cancelled++
			case plan.ActionPending, plan.ActionRunning, plan.ActionAwaitingApproval:
				// Never scheduled or interrupted mid-flight.
				as.Status = plan.ActionSkipped
			}
		}
		switch {
		case entry.userCancelled.Load():
			s.Status = plan.StatusCancelled
		case cancelled > 0:
			// A non-user cancellation means the plan deadline fired.
			s.Status = plan.StatusFailed
		case stopped:
			s.Status = plan.StatusFailed
		case failed > 0:
			s.Status = plan.StatusPartial
		default:
			s.Status = plan.StatusCompleted
		}
		s.FinishedAt = &finished
	})
	e.persist(ctx, state)

	status := state.Snapshot().Status
	kind := events.KindPlanCompleted
	switch status {
	case plan.StatusFailed:
		kind = events.KindPlanFailed
	case plan.StatusCancelled:
		kind = events.KindPlanCancelled
	}
	e.emitPlan(p, kind, map[string]any{
		"status": string(status), "failed": failed, "cancelled": cancelled,
	})
	if e.capture != nil {
		e.capture.Capture(p, status)
	}
	e.log.Info(ctx, "plan finished", "plan_id", p.PlanID, "status", string(status))
}

// persist saves a snapshot, logging rather than failing on store
// errors: execution state in memory remains authoritative.
func (e *Executor) persist(ctx context.Context, state *ExecutionState) {
	if err := e.store.Save(context.WithoutCancel(ctx), state); err != nil {
		e.log.Error(ctx, "state persistence failed", "plan_id", state.PlanID, "err", err.Error())
	}
}

func (e *Executor) emitPlan(p *plan.Plan, kind string, payload map[string]any) {
	ev := events.New(events.TopicPlans, kind)
	ev.PlanID = p.PlanID
	ev.SessionID = p.SessionID
	ev.Payload = payload
	e.bus.Emit(ev)
}

func (e *Executor) emitAction(p *plan.Plan, a *plan.Action, kind string, payload map[string]any) {
	ev := events.New(events.TopicActions, kind)
	ev.PlanID = p.PlanID
	ev.ActionID = a.ID
	ev.SessionID = p.SessionID
	ev.Payload = payload
	e.bus.Emit(ev)
}

// backoffDelay computes the wait before the next retry attempt:
// min(max_backoff, initial * factor^(attempt-1)) scaled by a jitter
// uniform in [0.5, 1.5).
func backoffDelay(rc plan.RetryConfig, attempt int, jitter func() float64) time.Duration {
	base := rc.BackoffInitial * math.Pow(rc.BackoffFactor, float64(attempt-1))
	if rc.MaxBackoff > 0 && base > rc.MaxBackoff {
		base = rc.MaxBackoff
	}
	scale := 0.5 + jitter()
	return time.Duration(base * scale * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
