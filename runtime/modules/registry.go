package modules

import (
	"context"
	"sort"
	"sync"

	"goa.design/llmos/runtime/faults"
)

// Registry holds module_id to provider bindings. Registration happens
// at daemon boot and through the admin API; dispatch happens on every
// action. Availability is probed lazily on first dispatch and cached
// until the provider is re-registered.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	probed    map[string]error
	schemas   *SchemaRegistry
	onChange  []func()
}

// NewRegistry returns an empty registry with its own schema registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		probed:    make(map[string]error),
		schemas:   NewSchemaRegistry(),
	}
}

// Schemas exposes the params-schema registry fed by registered
// manifests. It implements plan.SchemaChecker.
func (r *Registry) Schemas() *SchemaRegistry { return r.schemas }

// OnChange registers a callback invoked after every (de)registration.
// The prompt generator uses this to invalidate its schema cache.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Register binds a provider under its manifest module id, replacing any
// previous binding and (re)compiling its action schemas.
func (r *Registry) Register(p Provider) error {
	m := p.Manifest()
	if m.ModuleID == "" {
		return faults.New(faults.CodeValidation, "provider manifest has no module_id")
	}
	if err := r.schemas.AddManifest(m); err != nil {
		return err
	}
	r.mu.Lock()
	r.providers[m.ModuleID] = p
	delete(r.probed, m.ModuleID)
	callbacks := append([]func(){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Unregister removes a module binding and its schemas. Unknown ids are
// a no-op.
func (r *Registry) Unregister(moduleID string) {
	r.mu.Lock()
	delete(r.providers, moduleID)
	delete(r.probed, moduleID)
	r.schemas.RemoveModule(moduleID)
	callbacks := append([]func(){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Get returns the provider for a module id after its lazy availability
// probe. Unknown module ids fail with unknown_module; a failed probe
// fails with provider_unavailable and is cached until re-registration.
func (r *Registry) Get(ctx context.Context, moduleID string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[moduleID]
	probeErr, probedBefore := r.probed[moduleID]
	r.mu.RUnlock()
	if !ok {
		return nil, faults.New(faults.CodeUnknownModule, "module %q is not registered", moduleID)
	}
	if probedBefore {
		if probeErr != nil {
			return nil, faults.Wrap(faults.CodeProviderUnavailable, probeErr, "module %q failed its availability probe", moduleID)
		}
		return p, nil
	}
	var err error
	if checker, checks := p.(AvailabilityChecker); checks {
		probeCtx, cancel := context.WithTimeout(ctx, availabilityProbe)
		defer cancel()
		err = checker.CheckAvailable(probeCtx)
	}
	r.mu.Lock()
	r.probed[moduleID] = err
	r.mu.Unlock()
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "module %q failed its availability probe", moduleID)
	}
	return p, nil
}

// Spec returns the action spec for a (module, action) pair.
func (r *Registry) Spec(moduleID, action string) (ActionSpec, error) {
	r.mu.RLock()
	p, ok := r.providers[moduleID]
	r.mu.RUnlock()
	if !ok {
		return ActionSpec{}, faults.New(faults.CodeUnknownModule, "module %q is not registered", moduleID)
	}
	spec, found := p.Manifest().Action(action)
	if !found {
		return ActionSpec{}, faults.New(faults.CodeUnknownAction, "module %q has no action %q", moduleID, action)
	}
	return spec, nil
}

// List returns the registered module ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Manifests returns every registered manifest, ordered by module id.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Manifest, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.providers[id].Manifest())
	}
	return out
}

// Snippets returns the non-empty context snippets keyed by module id.
func (r *Registry) Snippets() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for id, p := range r.providers {
		if s := p.ContextSnippet(); s != "" {
			out[id] = s
		}
	}
	return out
}
