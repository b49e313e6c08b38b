package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/modules"
	"goa.design/llmos/runtime/plan"
)

type (
	stubCall struct {
		action string
		params map[string]any
	}

	// stubProvider records calls and delegates to per-action handlers,
	// echoing params back for actions without one.
	stubProvider struct {
		mu       sync.Mutex
		actions  []string
		calls    []stubCall
		handlers map[string]func(ctx context.Context, params map[string]any) (any, error)
	}
)

func newStubProvider(actions ...string) *stubProvider {
	return &stubProvider{
		actions:  actions,
		handlers: make(map[string]func(context.Context, map[string]any) (any, error)),
	}
}

func (s *stubProvider) Execute(ctx context.Context, action string, params map[string]any, _ modules.ExecutionContext) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{action: action, params: params})
	h := s.handlers[action]
	s.mu.Unlock()
	if h != nil {
		return h(ctx, params)
	}
	return map[string]any{"echo": params}, nil
}

func (s *stubProvider) Manifest() modules.Manifest {
	m := modules.Manifest{ModuleID: "task", Version: "1.0"}
	for _, a := range s.actions {
		m.Actions = append(m.Actions, modules.ActionSpec{Name: a})
	}
	return m
}

func (s *stubProvider) ContextSnippet() string { return "" }

func (s *stubProvider) callCount(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.action == action {
			n++
		}
	}
	return n
}

func (s *stubProvider) lastParams(action string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].action == action {
			return s.calls[i].params
		}
	}
	return nil
}

// eventSink collects bus deliveries for assertions. Count after
// closing the bus so the worker has drained.
type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) Write(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) Close() error { return nil }

func (s *eventSink) countKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestExecutor(t *testing.T, p *stubProvider) *Executor {
	t.Helper()
	reg := modules.NewRegistry()
	require.NoError(t, reg.Register(p))
	e := NewExecutor(ExecutorConfig{Registry: reg})
	e.jitter = func() float64 { return 0.5 }
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestExecuteResolvesTemplatesAcrossWaves(t *testing.T) {
	p := newStubProvider("greet", "reply")
	p.handlers["greet"] = func(context.Context, map[string]any) (any, error) {
		return map[string]any{"value": "hello"}, nil
	}
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "tmpl",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "greet"},
			{ID: "a2", Module: "task", Action: "reply",
				Params:    map[string]any{"msg": "${actions.a1.result.value}"},
				DependsOn: []string{"a1"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, state.Status)
	assert.Equal(t, "hello", p.lastParams("reply")["msg"])
	require.NotNil(t, state.FinishedAt)

	// Final state is persisted.
	stored, ok, err := e.Store().Load(context.Background(), "tmpl")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, plan.StatusCompleted, stored.Status)
}

func TestExecuteFailureSkipsDependents(t *testing.T) {
	p := newStubProvider("boom", "after")
	p.handlers["boom"] = func(context.Context, map[string]any) (any, error) {
		return nil, faults.New(faults.CodeProviderError, "backend down")
	}
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "cascade",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "boom"},
			{ID: "a2", Module: "task", Action: "after", DependsOn: []string{"a1"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, state.Status)
	assert.Equal(t, plan.ActionFailed, state.Actions["a1"].Status)
	assert.Equal(t, plan.ActionSkipped, state.Actions["a2"].Status)
	assert.Zero(t, p.callCount("after"))
	assert.Equal(t, faults.CodeProviderError, state.Errors["a1"].Code)
}

func TestExecuteContinuePolicyYieldsPartial(t *testing.T) {
	p := newStubProvider("boom", "other")
	p.handlers["boom"] = func(context.Context, map[string]any) (any, error) {
		return nil, faults.New(faults.CodeProviderError, "backend down")
	}
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "partial",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "boom", OnError: plan.OnErrorContinue},
			{ID: "a2", Module: "task", Action: "other"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPartial, state.Status)
	assert.Equal(t, plan.ActionSucceeded, state.Actions["a2"].Status)
}

func TestRetryBacksOffThenRecovers(t *testing.T) {
	p := newStubProvider("flaky")
	remaining := 2
	p.handlers["flaky"] = func(context.Context, map[string]any) (any, error) {
		if remaining > 0 {
			remaining--
			return nil, faults.New(faults.CodeProviderError, "transient")
		}
		return "ok", nil
	}
	e := newTestExecutor(t, p)
	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "retry",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "flaky", OnError: plan.OnErrorRetry,
				Retry: &plan.RetryConfig{MaxAttempts: 3, BackoffInitial: 1, BackoffFactor: 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, state.Status)
	assert.Equal(t, 3, state.Actions["a1"].Attempt)
	assert.Equal(t, 3, p.callCount("flaky"))
	// Jitter is pinned to the midpoint, so the delays are exact.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestRetryEmitsStartedPerAttempt(t *testing.T) {
	p := newStubProvider("flaky")
	failures := 1
	p.handlers["flaky"] = func(context.Context, map[string]any) (any, error) {
		if failures > 0 {
			failures--
			return nil, faults.New(faults.CodeProviderError, "transient")
		}
		return "ok", nil
	}
	reg := modules.NewRegistry()
	require.NoError(t, reg.Register(p))
	sink := &eventSink{}
	bus := events.NewBus(nil, nil, sink)
	e := NewExecutor(ExecutorConfig{Registry: reg, Bus: bus})
	e.jitter = func() float64 { return 0.5 }
	e.sleep = func(context.Context, time.Duration) error { return nil }

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "flicker",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "flaky", OnError: plan.OnErrorRetry,
				Retry: &plan.RetryConfig{MaxAttempts: 2, BackoffInitial: 1, BackoffFactor: 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, state.Status)
	require.NoError(t, bus.Close())

	// Each dispatch attempt announces itself.
	assert.Equal(t, 2, sink.countKind(events.KindActionStarted))
	assert.Equal(t, 1, sink.countKind(events.KindActionSucceeded))
}

func TestRetryStopsOnNonRetryableFault(t *testing.T) {
	p := newStubProvider("strict")
	p.handlers["strict"] = func(context.Context, map[string]any) (any, error) {
		return nil, faults.New(faults.CodeValidation, "bad params")
	}
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "noretry",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "strict", OnError: plan.OnErrorRetry,
				Retry: &plan.RetryConfig{MaxAttempts: 5, BackoffInitial: 1, BackoffFactor: 2}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, state.Status)
	assert.Equal(t, 1, p.callCount("strict"))
}

func TestRollbackDispatchesOnceWithMergedParams(t *testing.T) {
	p := newStubProvider("setup", "work", "undo")
	p.handlers["work"] = func(context.Context, map[string]any) (any, error) {
		return nil, faults.New(faults.CodeProviderError, "mid-flight failure")
	}
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "compensate",
		Actions: []*plan.Action{
			{ID: "setup", Module: "task", Action: "setup"},
			{ID: "work", Module: "task", Action: "work", DependsOn: []string{"setup"},
				OnError:  plan.OnErrorRollback,
				Rollback: &plan.RollbackConfig{Action: "undo", Params: map[string]any{"mode": "hard"}}},
			{ID: "undo", Module: "task", Action: "undo", DependsOn: []string{"work"},
				Params: map[string]any{"path": "/x", "mode": "soft"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, state.Status)
	assert.Equal(t, 1, p.callCount("undo"))
	params := p.lastParams("undo")
	assert.Equal(t, "/x", params["path"])
	assert.Equal(t, "hard", params["mode"])
	assert.Contains(t, state.Results, "undo")
}

func TestApprovalRejectFailsAction(t *testing.T) {
	p := newStubProvider("wipe")
	e := newTestExecutor(t, p)

	go func() {
		for len(e.Gate().Pending()) == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = e.Gate().Resolve("guarded", "a1", ApprovalResponse{Decision: DecisionReject, Reason: "no"})
	}()

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "guarded",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "wipe", RequiresApproval: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, state.Status)
	assert.Equal(t, faults.CodeUserRejected, state.Errors["a1"].Code)
	assert.Zero(t, p.callCount("wipe"))
}

func TestApprovalModifyOverridesParams(t *testing.T) {
	p := newStubProvider("wipe")
	e := newTestExecutor(t, p)

	go func() {
		for len(e.Gate().Pending()) == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = e.Gate().Resolve("edited", "a1", ApprovalResponse{
			Decision: DecisionModify,
			Params:   map[string]any{"target": "/tmp/safe"},
		})
	}()

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "edited",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "wipe", RequiresApproval: true,
				Params: map[string]any{"target": "/"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, state.Status)
	assert.Equal(t, "/tmp/safe", p.lastParams("wipe")["target"])
}

func TestCancelInFlightPlan(t *testing.T) {
	p := newStubProvider("hang")
	p.handlers["hang"] = func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestExecutor(t, p)

	type outcome struct {
		state *ExecutionState
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := e.Execute(context.Background(), &plan.Plan{
			PlanID: "stuck",
			Actions: []*plan.Action{
				{ID: "a1", Module: "task", Action: "hang"},
			},
		})
		done <- outcome{s, err}
	}()

	require.Eventually(t, func() bool { return len(e.Running()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, e.Cancel("stuck"))

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, plan.StatusCancelled, out.state.Status)
	assert.Equal(t, plan.ActionCancelled, out.state.Actions["a1"].Status)

	assert.Error(t, e.Cancel("stuck"))
}

func TestCancelPlanWithDeadline(t *testing.T) {
	p := newStubProvider("hang")
	p.handlers["hang"] = func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestExecutor(t, p)

	done := make(chan *ExecutionState, 1)
	go func() {
		s, _ := e.Execute(context.Background(), &plan.Plan{
			PlanID:         "slow",
			TimeoutSeconds: 60,
			Actions: []*plan.Action{
				{ID: "a1", Module: "task", Action: "hang"},
			},
		})
		done <- s
	}()

	require.Eventually(t, func() bool { return len(e.Running()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, e.Cancel("slow"))

	state := <-done
	assert.Equal(t, plan.StatusCancelled, state.Status)
}

func TestPlanTimeoutFailsPlan(t *testing.T) {
	p := newStubProvider("hang")
	p.handlers["hang"] = func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID:         "deadline",
		TimeoutSeconds: 0.05,
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "hang"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, state.Status)
}

func TestDryRunDispatchesNothing(t *testing.T) {
	p := newStubProvider("write")
	e := newTestExecutor(t, p)

	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "rehearsal",
		Mode:   plan.ModeDryRun,
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "write", Params: map[string]any{"path": "/etc/hosts"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, state.Status)
	assert.Zero(t, p.callCount("write"))
	result := state.Results["a1"].(map[string]any)
	assert.Equal(t, true, result["dry_run"])
}

func TestExecuteEmptyPlanCompletes(t *testing.T) {
	e := newTestExecutor(t, newStubProvider())
	state, err := e.Execute(context.Background(), &plan.Plan{PlanID: "void"})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, state.Status)
}

func TestExecuteUnknownActionFails(t *testing.T) {
	e := newTestExecutor(t, newStubProvider("known"))
	state, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "typo",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "unknwon"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, state.Status)
	assert.Equal(t, faults.CodeUnknownAction, state.Errors["a1"].Code)
}

// captureStub records finalized plans like the session recorder does.
type captureStub struct {
	mu       sync.Mutex
	planIDs  []string
	statuses []plan.Status
}

func (c *captureStub) Capture(p *plan.Plan, status plan.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planIDs = append(c.planIDs, p.PlanID)
	c.statuses = append(c.statuses, status)
}

func TestFinalizeFeedsCaptureSink(t *testing.T) {
	p := newStubProvider("ok")
	reg := modules.NewRegistry()
	require.NoError(t, reg.Register(p))
	sink := &captureStub{}
	e := NewExecutor(ExecutorConfig{Registry: reg, Capture: sink})

	_, err := e.Execute(context.Background(), &plan.Plan{
		PlanID: "observed",
		Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: "ok"},
		},
	})
	require.NoError(t, err)
	require.Len(t, sink.planIDs, 1)
	assert.Equal(t, "observed", sink.planIDs[0])
	assert.Equal(t, plan.StatusCompleted, sink.statuses[0])
}

func TestExecuteGroupAggregates(t *testing.T) {
	p := newStubProvider("ok", "boom")
	p.handlers["boom"] = func(context.Context, map[string]any) (any, error) {
		return nil, faults.New(faults.CodeProviderError, "down")
	}
	e := newTestExecutor(t, p)

	one := func(id, action string) *plan.Plan {
		return &plan.Plan{PlanID: id, Actions: []*plan.Action{
			{ID: "a1", Module: "task", Action: action},
		}}
	}
	res := e.ExecuteGroup(context.Background(), PlanGroup{
		GroupID:       "g1",
		MaxConcurrent: 2,
		Plans:         []*plan.Plan{one("p1", "ok"), one("p2", "boom"), one("p3", "ok")},
	})
	assert.Equal(t, GroupPartialFailure, res.Status)
	assert.Equal(t, GroupSummary{Total: 3, Completed: 2, Failed: 1}, res.Summary)
	assert.Equal(t, plan.StatusFailed, res.Plans["p2"].Status)
	assert.Empty(t, res.Errors)
	assert.False(t, res.StartedAt.IsZero())
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestExecuteGroupTimeoutForcesFailed(t *testing.T) {
	p := newStubProvider("ok", "hang")
	p.handlers["hang"] = func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := newTestExecutor(t, p)

	res := e.ExecuteGroup(context.Background(), PlanGroup{
		GroupID: "g2",
		Timeout: 100 * time.Millisecond,
		Plans: []*plan.Plan{
			{PlanID: "p1", Actions: []*plan.Action{{ID: "a1", Module: "task", Action: "ok"}}},
			{PlanID: "p2", Actions: []*plan.Action{{ID: "a1", Module: "task", Action: "hang"}}},
		},
	})
	// A timeout makes the group failed even though p1 finished in time.
	assert.Equal(t, GroupFailed, res.Status)
	assert.Equal(t, "group timed out", res.Errors["_group"])
	assert.Equal(t, GroupSummary{Total: 2, Completed: 1, Failed: 1}, res.Summary)
}
