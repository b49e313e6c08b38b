// Package bridge assembles the daemon from its subsystems: module
// registry, event bus, security pipeline, plan executor, trigger
// daemon, recorder, and prompt generator. Construction is explicit
// dependency injection through functional options; absent options get
// working in-memory defaults so a zero-config bridge is fully
// functional for tests and local use.
package bridge

import (
	"context"
	"time"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/modules"
	"goa.design/llmos/runtime/orchestration"
	"goa.design/llmos/runtime/prompt"
	"goa.design/llmos/runtime/recording"
	"goa.design/llmos/runtime/resources"
	"goa.design/llmos/runtime/security"
	"goa.design/llmos/runtime/security/intent"
	"goa.design/llmos/runtime/security/scan"
	"goa.design/llmos/runtime/telemetry"
	"goa.design/llmos/runtime/triggers"
)

type (
	// Options configures the bridge. All fields are optional; nil or
	// zero fields get in-memory defaults.
	Options struct {
		// Profile is the active permission profile. Defaults to the
		// built-in standard profile.
		Profile *security.Profile
		// GrantStore persists permanent grants across restarts.
		GrantStore security.GrantStore
		// RateLimitPerMinute is the default per-action call budget.
		RateLimitPerMinute int
		// RateLimitCaps overrides budgets per "module.action" key.
		RateLimitCaps map[string]int
		// Scanners are the input scanners run at plan admission. The
		// heuristic scanner is always registered first.
		Scanners []scan.Scanner
		// IntentClient enables LLM-backed verification of sensitive
		// actions. Nil disables the verifier stage.
		IntentClient intent.ChatClient
		// IntentStrict turns reject verdicts into dispatch failures.
		IntentStrict bool
		// StateStore persists execution state on terminal transitions.
		StateStore orchestration.StateStore
		// TriggerStore persists trigger definitions.
		TriggerStore triggers.Store
		// EventSinks receive every published event.
		EventSinks []events.Sink
		// QueueTimeout bounds lock waits for queued trigger fires.
		QueueTimeout time.Duration
		// ResourceDefault caps concurrent actions per module; zero uses
		// the manager default.
		ResourceDefault int
		// ResourceOverrides caps specific modules.
		ResourceOverrides map[string]int
		// WorkingDir is handed to providers through the execution
		// context.
		WorkingDir string
		// StrictTemplates fails actions on unresolvable template
		// references.
		StrictTemplates bool

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Option configures the bridge via functional options passed to New.
	Option func(*Options)

	// Bridge is the assembled daemon core. Fields are live subsystems
	// shared by the CLI and the admin surface.
	Bridge struct {
		Registry *modules.Registry
		Bus      *events.Bus
		Sessions *events.SessionPropagator
		Guard    *security.Pipeline
		Executor *orchestration.Executor
		Triggers *triggers.Daemon
		Recorder *recording.Recorder
		Prompt   *prompt.Generator
		// Tracer is exposed so module providers can instrument their
		// own dispatch paths.
		Tracer telemetry.Tracer

		limiter *security.RateLimiter
		log     telemetry.Logger
	}
)

// WithProfile sets the active permission profile.
func WithProfile(p security.Profile) Option { return func(o *Options) { o.Profile = &p } }

// WithGrantStore sets the permanent grant store.
func WithGrantStore(s security.GrantStore) Option { return func(o *Options) { o.GrantStore = s } }

// WithRateLimit sets the default per-action budget and per-key
// overrides.
func WithRateLimit(perMinute int, caps map[string]int) Option {
	return func(o *Options) {
		o.RateLimitPerMinute = perMinute
		o.RateLimitCaps = caps
	}
}

// WithScanner appends an input scanner to the admission pipeline.
func WithScanner(s scan.Scanner) Option {
	return func(o *Options) { o.Scanners = append(o.Scanners, s) }
}

// WithIntentVerifier enables semantic verification of sensitive
// actions through the given chat client.
func WithIntentVerifier(c intent.ChatClient, strict bool) Option {
	return func(o *Options) {
		o.IntentClient = c
		o.IntentStrict = strict
	}
}

// WithStateStore sets the execution state store.
func WithStateStore(s orchestration.StateStore) Option { return func(o *Options) { o.StateStore = s } }

// WithTriggerStore sets the trigger definition store.
func WithTriggerStore(s triggers.Store) Option { return func(o *Options) { o.TriggerStore = s } }

// WithEventSink appends an event sink.
func WithEventSink(s events.Sink) Option {
	return func(o *Options) { o.EventSinks = append(o.EventSinks, s) }
}

// WithQueueTimeout bounds lock waits for queued trigger fires.
func WithQueueTimeout(d time.Duration) Option { return func(o *Options) { o.QueueTimeout = d } }

// WithResourceCaps sets the default per-module concurrency cap and
// per-module overrides.
func WithResourceCaps(defaultCap int, overrides map[string]int) Option {
	return func(o *Options) {
		o.ResourceDefault = defaultCap
		o.ResourceOverrides = overrides
	}
}

// WithWorkingDir sets the working directory providers see.
func WithWorkingDir(dir string) Option { return func(o *Options) { o.WorkingDir = dir } }

// WithStrictTemplates fails actions on unresolvable template
// references instead of substituting the unresolved marker.
func WithStrictTemplates(strict bool) Option { return func(o *Options) { o.StrictTemplates = strict } }

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// New assembles a bridge from the options.
func New(opts ...Option) (*Bridge, error) {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return newFromOptions(o)
}

func newFromOptions(o Options) (*Bridge, error) {
	log := o.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := o.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := o.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	profile := security.Profile{}
	if o.Profile != nil {
		profile = *o.Profile
	} else {
		p, err := security.BuiltinProfile("standard")
		if err != nil {
			return nil, err
		}
		profile = p
	}

	grants := o.GrantStore
	if grants == nil {
		grants = security.NewInMemGrantStore()
	}

	bus := events.NewBus(log, metrics, o.EventSinks...)
	sessions := events.NewSessionPropagator()
	registry := modules.NewRegistry()

	scanners := scan.NewRegistry()
	if err := scanners.Register(scan.NewHeuristic()); err != nil {
		return nil, err
	}
	for _, s := range o.Scanners {
		if err := scanners.Register(s); err != nil {
			return nil, err
		}
	}

	var verifier *intent.Verifier
	if o.IntentClient != nil {
		verifier = intent.NewVerifier(o.IntentClient, log)
		verifier.Strict = o.IntentStrict
	}

	limiter := security.NewRateLimiter(o.RateLimitPerMinute, o.RateLimitCaps)
	guard := &security.Pipeline{
		Profile:   profile,
		Grants:    security.NewGrantManager(grants),
		Limiter:   limiter,
		Scanners:  scan.NewPipeline(scanners, log),
		Verifier:  verifier,
		Sanitizer: security.NewSanitizer(),
		Audit:     security.NewAuditLogger(bus, log),
	}

	recorder := recording.NewRecorder()
	executor := orchestration.NewExecutor(orchestration.ExecutorConfig{
		Registry:        registry,
		Security:        guard,
		Resources:       resources.NewManager(o.ResourceDefault, o.ResourceOverrides),
		Store:           o.StateStore,
		Bus:             bus,
		Logger:          log,
		Metrics:         metrics,
		WorkingDir:      o.WorkingDir,
		StrictTemplates: o.StrictTemplates,
		Capture:         recorder,
	})

	daemon := triggers.NewDaemon(triggers.DaemonConfig{
		Store:        o.TriggerStore,
		Runner:       executor,
		Bus:          bus,
		Sessions:     sessions,
		Logger:       log,
		Metrics:      metrics,
		QueueTimeout: o.QueueTimeout,
	})

	b := &Bridge{
		Registry: registry,
		Bus:      bus,
		Sessions: sessions,
		Guard:    guard,
		Executor: executor,
		Triggers: daemon,
		Recorder: recorder,
		Prompt:   prompt.NewGenerator(registry, profile, prompt.Options{IncludeSchemas: true, IncludeExamples: true}),
		Tracer:   tracer,
		limiter:  limiter,
		log:      log,
	}
	// Manifest rate hints become limiter budgets as modules register.
	registry.OnChange(b.syncRateCaps)
	return b, nil
}

// syncRateCaps copies per-action rate hints from registered manifests
// into the limiter.
func (b *Bridge) syncRateCaps() {
	for _, m := range b.Registry.Manifests() {
		for _, a := range m.Actions {
			if a.RateLimitPerMinute > 0 {
				b.limiter.SetCap(m.ModuleID+"."+a.Name, a.RateLimitPerMinute)
			}
		}
	}
}

// Start boots the trigger daemon. The executor needs no start; it runs
// plans on demand.
func (b *Bridge) Start(ctx context.Context) error {
	return b.Triggers.Start(ctx)
}

// Stop drains the trigger daemon and closes the event bus.
func (b *Bridge) Stop() {
	b.Triggers.Stop()
	if err := b.Bus.Close(); err != nil {
		b.log.Warn(context.Background(), "event bus close failed", "err", err.Error())
	}
}
