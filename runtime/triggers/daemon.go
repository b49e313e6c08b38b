package triggers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/orchestration"
	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/telemetry"
	"goa.design/llmos/runtime/triggers/watch"
)

const (
	// DefaultHealthInterval is the sweep period of the health loop.
	DefaultHealthInterval = 30 * time.Second
	// FailureThreshold is the consecutive-failure count at which the
	// health loop auto-disables a trigger.
	FailureThreshold = 5
)

type (
	// PlanRunner is the slice of the executor the daemon needs.
	PlanRunner interface {
		Execute(ctx context.Context, p *plan.Plan) (*orchestration.ExecutionState, error)
		Cancel(planID string) error
	}

	// DaemonConfig wires the daemon's collaborators. Store and Runner
	// are required.
	DaemonConfig struct {
		Store    Store
		Runner   PlanRunner
		Bus      *events.Bus
		Sessions *events.SessionPropagator
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// HealthInterval overrides DefaultHealthInterval when positive.
		HealthInterval time.Duration
		// QueueTimeout bounds lock waits for queued fires.
		QueueTimeout time.Duration
	}

	// Daemon owns the trigger lifecycle: registration, watcher
	// construction, the priority fire queue, conflict resolution, and
	// health. One daemon runs per process.
	Daemon struct {
		store     Store
		runner    PlanRunner
		bus       *events.Bus
		sessions  *events.SessionPropagator
		log       telemetry.Logger
		metrics   telemetry.Metrics
		scheduler *Scheduler
		resolver  *Resolver
		health    time.Duration

		mu       sync.Mutex
		watchers map[string]watch.Watcher

		runCtx context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

// NewDaemon constructs a stopped daemon.
func NewDaemon(cfg DaemonConfig) *Daemon {
	d := &Daemon{
		store:     cfg.Store,
		runner:    cfg.Runner,
		bus:       cfg.Bus,
		sessions:  cfg.Sessions,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		scheduler: NewScheduler(),
		health:    cfg.HealthInterval,
		watchers:  make(map[string]watch.Watcher),
	}
	if d.store == nil {
		d.store = NewInMemStore()
	}
	if d.bus == nil {
		d.bus = events.NewBus(nil, nil)
	}
	if d.sessions == nil {
		d.sessions = events.NewSessionPropagator()
	}
	if d.log == nil {
		d.log = telemetry.NewNoopLogger()
	}
	if d.metrics == nil {
		d.metrics = telemetry.NewNoopMetrics()
	}
	if d.health <= 0 {
		d.health = DefaultHealthInterval
	}
	d.resolver = NewResolver(func(planID string) {
		if err := d.runner.Cancel(planID); err != nil {
			d.log.Warn(context.Background(), "preempt cancel failed", "plan_id", planID, "err", err.Error())
		}
	})
	d.resolver.QueueTimeout = cfg.QueueTimeout
	return d
}

// Resolver exposes the lock table for inspection.
func (d *Daemon) Resolver() *Resolver { return d.resolver }

// Sessions exposes the trigger-context propagator.
func (d *Daemon) Sessions() *events.SessionPropagator { return d.sessions }

// Start reconstructs watchers for every active trigger in the store
// and begins the fire worker and health loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return faults.New(faults.CodeInternal, "trigger daemon already started")
	}
	d.runCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Unlock()

	defs, err := d.store.List(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.State != StateActive && def.State != StateFiring {
			continue
		}
		// Firing state at boot means the previous process died mid-run;
		// the watcher restarts, the stale run does not resume.
		if def.State == StateFiring {
			def.State = StateActive
			if err := d.store.Save(ctx, def); err != nil {
				return err
			}
		}
		if err := d.startWatcher(def); err != nil {
			d.log.Error(ctx, "watcher reconstruction failed", "trigger_id", def.TriggerID, "err", err.Error())
			d.recordFailure(ctx, def.TriggerID, err)
		}
	}

	d.wg.Add(2)
	go d.workLoop()
	go d.healthLoop()
	return nil
}

// Stop stops every watcher and waits for in-flight fires.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	watchers := d.watchers
	d.watchers = make(map[string]watch.Watcher)
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	for _, w := range watchers {
		w.Stop()
	}
	cancel()
	d.wg.Wait()
}

// Register validates and persists a definition in state inactive.
// Registration never starts a watcher; Activate does.
func (d *Daemon) Register(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	stored := def.clone()
	stored.State = StateInactive
	stored.Health = Health{OK: true}
	if stored.ConflictPolicy == "" {
		stored.ConflictPolicy = PolicyQueue
	}
	return d.store.Save(ctx, stored)
}

// Activate starts the trigger's watcher and marks it active.
func (d *Daemon) Activate(ctx context.Context, triggerID string) error {
	def, ok, err := d.store.Get(ctx, triggerID)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.CodeValidation, "unknown trigger %q", triggerID)
	}
	if def.State == StateActive || def.State == StateFiring {
		return nil
	}
	now := time.Now().UTC()
	def.State = StateActive
	def.EnabledAt = &now
	def.Health = Health{OK: true}
	if err := d.startWatcher(def); err != nil {
		return err
	}
	if err := d.store.Save(ctx, def); err != nil {
		d.stopWatcher(triggerID)
		return err
	}
	return nil
}

// Deactivate stops the watcher before the state change lands, so a
// deactivated trigger can never fire afterwards.
func (d *Daemon) Deactivate(ctx context.Context, triggerID string) error {
	def, ok, err := d.store.Get(ctx, triggerID)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.CodeValidation, "unknown trigger %q", triggerID)
	}
	d.stopWatcher(triggerID)
	def.State = StateInactive
	return d.store.Save(ctx, def)
}

// Delete removes the trigger, stopping its watcher first.
func (d *Daemon) Delete(ctx context.Context, triggerID string) error {
	d.stopWatcher(triggerID)
	return d.store.Delete(ctx, triggerID)
}

// Get returns one definition.
func (d *Daemon) Get(ctx context.Context, triggerID string) (*Definition, bool, error) {
	return d.store.Get(ctx, triggerID)
}

// List returns every definition.
func (d *Daemon) List(ctx context.Context) ([]*Definition, error) {
	return d.store.List(ctx)
}

func (d *Daemon) startWatcher(def *Definition) error {
	w, err := BuildWatcher(def.Condition)
	if err != nil {
		return err
	}
	id := def.TriggerID
	if err := w.Start(func(e watch.FireEvent) { d.handleFire(id, e) }); err != nil {
		return err
	}
	d.mu.Lock()
	if old, exists := d.watchers[id]; exists {
		defer old.Stop()
	}
	d.watchers[id] = w
	d.mu.Unlock()
	return nil
}

func (d *Daemon) stopWatcher(triggerID string) {
	d.mu.Lock()
	w, ok := d.watchers[triggerID]
	delete(d.watchers, triggerID)
	d.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// handleFire applies throttle and fire-budget rules, then enqueues.
func (d *Daemon) handleFire(triggerID string, e watch.FireEvent) {
	ctx := context.Background()
	def, ok, err := d.store.Get(ctx, triggerID)
	if err != nil || !ok {
		return
	}
	if def.State == StateDisabled || def.State == StateInactive {
		return
	}
	now := time.Now().UTC()
	if def.MinIntervalS > 0 && def.LastFiredAt != nil {
		if now.Sub(*def.LastFiredAt) < time.Duration(def.MinIntervalS*float64(time.Second)) {
			d.log.Debug(ctx, "fire throttled", "trigger_id", triggerID)
			return
		}
	}
	def.LastFiredAt = &now
	def.FireCount++
	exhausted := def.MaxFires > 0 && def.FireCount >= def.MaxFires
	if exhausted {
		def.State = StateDisabled
	}
	if err := d.store.Save(ctx, def); err != nil {
		d.log.Error(ctx, "fire bookkeeping failed", "trigger_id", triggerID, "err", err.Error())
		return
	}
	if exhausted {
		d.stopWatcher(triggerID)
		d.emitTrigger(events.KindTriggerDisabled, triggerID, map[string]any{"reason": "max_fires reached"})
	}

	d.scheduler.Push(&Fire{TriggerID: triggerID, Priority: def.Priority, Event: e})
	d.metrics.IncCounter("trigger_fires", 1, "trigger_id", triggerID)
	d.emitTrigger(events.KindTriggerFired, triggerID, map[string]any{
		"event_type": e.EventType, "priority": def.Priority,
	})
}

func (d *Daemon) workLoop() {
	defer d.wg.Done()
	for {
		f, err := d.scheduler.Pop(d.runCtx)
		if err != nil {
			return
		}
		d.wg.Add(1)
		go func(f *Fire) {
			defer d.wg.Done()
			d.launch(d.runCtx, f)
		}(f)
	}
}

// launch builds the plan from the template, arbitrates the resource
// lock, and runs the plan.
func (d *Daemon) launch(ctx context.Context, f *Fire) {
	def, ok, err := d.store.Get(ctx, f.TriggerID)
	if err != nil || !ok || def.State == StateDisabled {
		return
	}

	p, err := d.buildPlan(def, f.Event)
	if err != nil {
		d.log.Error(ctx, "trigger plan build failed", "trigger_id", f.TriggerID, "err", err.Error())
		d.recordFailure(ctx, f.TriggerID, err)
		return
	}

	d.sessions.Bind(p.PlanID, events.TriggerContext{
		TriggerID: def.TriggerID,
		EventType: f.Event.EventType,
		FiredAt:   f.Event.FiredAt,
		Payload:   f.Event.Payload,
	})
	defer d.sessions.Unbind(p.PlanID)

	if def.ResourceLock != "" {
		policy := def.ConflictPolicy
		if policy == "" {
			policy = PolicyQueue
		}
		if err := d.resolver.Acquire(ctx, def.ResourceLock, p.PlanID, def.Priority, policy); err != nil {
			d.emitTrigger(events.KindTriggerRejected, def.TriggerID, map[string]any{
				"resource": def.ResourceLock, "reason": err.Error(),
			})
			d.log.Warn(ctx, "trigger fire rejected", "trigger_id", def.TriggerID, "err", err.Error())
			return
		}
		defer d.resolver.Release(p.PlanID)
	}

	d.setState(ctx, def.TriggerID, StateFiring)
	state, err := d.runner.Execute(ctx, p)
	d.setState(ctx, def.TriggerID, StateActive)

	switch {
	case err != nil:
		d.recordFailure(ctx, def.TriggerID, err)
	case state.Status == plan.StatusFailed:
		d.recordFailure(ctx, def.TriggerID, faults.New(faults.CodeInternal, "triggered plan %q failed", p.PlanID))
	default:
		d.recordSuccess(ctx, def.TriggerID)
	}
}

// buildPlan instantiates the template with a unique plan id and the
// trigger provenance in the metadata.
func (d *Daemon) buildPlan(def *Definition, e watch.FireEvent) (*plan.Plan, error) {
	raw := make(map[string]any, len(def.PlanTemplate)+2)
	for k, v := range def.PlanTemplate {
		raw[k] = v
	}
	raw["plan_id"] = def.TriggerID + "-" + uuid.NewString()[:8]
	meta := map[string]any{
		"trigger_id": def.TriggerID,
		"event_type": e.EventType,
		"fired_at":   e.FiredAt.Format(time.RFC3339Nano),
	}
	if existing, ok := raw["metadata"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	raw["metadata"] = meta

	p, err := plan.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(p, plan.ValidateOptions{}); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Daemon) healthLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.health)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.runCtx.Done():
			return
		}
	}
}

// sweep auto-disables triggers whose consecutive failures crossed the
// threshold and emits the alert.
func (d *Daemon) sweep() {
	ctx := d.runCtx
	defs, err := d.store.List(ctx)
	if err != nil {
		d.log.Error(ctx, "health sweep list failed", "err", err.Error())
		return
	}
	for _, def := range defs {
		if def.State != StateActive && def.State != StateFiring {
			continue
		}
		if def.Health.ConsecutiveFailures < FailureThreshold {
			continue
		}
		d.stopWatcher(def.TriggerID)
		def.State = StateDisabled
		if err := d.store.Save(ctx, def); err != nil {
			d.log.Error(ctx, "auto-disable failed", "trigger_id", def.TriggerID, "err", err.Error())
			continue
		}
		d.emitTrigger(events.KindTriggerDisabled, def.TriggerID, map[string]any{
			"reason":               "consecutive failures",
			"consecutive_failures": def.Health.ConsecutiveFailures,
			"last_error":           def.Health.LastError,
		})
		d.log.Warn(ctx, "trigger auto-disabled", "trigger_id", def.TriggerID,
			"consecutive_failures", def.Health.ConsecutiveFailures)
	}
}

func (d *Daemon) recordFailure(ctx context.Context, triggerID string, cause error) {
	def, ok, err := d.store.Get(ctx, triggerID)
	if err != nil || !ok {
		return
	}
	def.Health.OK = false
	def.Health.LastError = cause.Error()
	def.Health.ConsecutiveFailures++
	if err := d.store.Save(ctx, def); err != nil {
		d.log.Error(ctx, "health update failed", "trigger_id", triggerID, "err", err.Error())
	}
}

func (d *Daemon) recordSuccess(ctx context.Context, triggerID string) {
	def, ok, err := d.store.Get(ctx, triggerID)
	if err != nil || !ok {
		return
	}
	def.Health = Health{OK: true}
	if err := d.store.Save(ctx, def); err != nil {
		d.log.Error(ctx, "health update failed", "trigger_id", triggerID, "err", err.Error())
	}
}

func (d *Daemon) setState(ctx context.Context, triggerID string, s State) {
	def, ok, err := d.store.Get(ctx, triggerID)
	if err != nil || !ok || def.State == StateDisabled {
		return
	}
	def.State = s
	if err := d.store.Save(ctx, def); err != nil {
		d.log.Error(ctx, "state update failed", "trigger_id", triggerID, "err", err.Error())
	}
}

func (d *Daemon) emitTrigger(kind, triggerID string, payload map[string]any) {
	e := events.New(events.TopicPlans, kind)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["trigger_id"] = triggerID
	e.Payload = payload
	d.bus.Emit(e)
}
