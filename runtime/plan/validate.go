package plan

import (
	"sort"
	"strings"

	"goa.design/llmos/runtime/faults"
)

// SchemaChecker validates action params against the schema registered
// for a (module, action) pair. The modules package provides the real
// implementation; tests use stubs.
type SchemaChecker interface {
	// HasSchema reports whether a params schema is registered for the pair.
	HasSchema(module, action string) bool
	// CheckParams validates params against the registered schema.
	CheckParams(module, action string, params map[string]any) error
}

// ValidateOptions tune Validate.
type ValidateOptions struct {
	// Schemas, when set, validates each action's params against its
	// registered schema.
	Schemas SchemaChecker
	// Strict rejects actions whose (module, action) has no registered
	// schema. When false such params pass through (open world).
	Strict bool
}

// Validate enforces the structural invariants of a parsed plan: id
// grammar, unique action ids, resolvable acyclic dependencies,
// resolvable rollback targets, and (optionally) schema-valid params.
// The first violation is returned as a validation_error fault.
func Validate(p *Plan, opts ValidateOptions) error {
	if !ValidID(p.PlanID) {
		return faults.New(faults.CodeValidation, "plan_id %q: must match [a-zA-Z0-9_-]{1,128}", p.PlanID)
	}
	byID := make(map[string]*Action, len(p.Actions))
	for _, a := range p.Actions {
		if !ValidID(a.ID) {
			return faults.New(faults.CodeValidation, "action id %q: must match [a-zA-Z0-9_-]{1,128}", a.ID)
		}
		if !ValidModuleID(a.Module) {
			return faults.New(faults.CodeValidation, "action %q: module %q must match [a-z][a-z0-9_]*", a.ID, a.Module)
		}
		if _, dup := byID[a.ID]; dup {
			return faults.New(faults.CodeValidation, "duplicate action id %q", a.ID)
		}
		byID[a.ID] = a
	}
	for _, a := range p.Actions {
		for _, dep := range a.DependsOn {
			if dep == a.ID {
				return faults.New(faults.CodeValidation, "action %q depends on itself", a.ID)
			}
			if _, ok := byID[dep]; !ok {
				return faults.New(faults.CodeValidation, "action %q depends on unknown action %q", a.ID, dep)
			}
		}
		if a.Rollback != nil {
			target, ok := byID[a.Rollback.Action]
			if !ok {
				return faults.New(faults.CodeValidation, "action %q: rollback target %q does not exist", a.ID, a.Rollback.Action)
			}
			if target.ID == a.ID {
				return faults.New(faults.CodeValidation, "action %q: rollback target must be a different action", a.ID)
			}
		}
		if a.TimeoutS <= 0 {
			return faults.New(faults.CodeValidation, "action %q: timeout_s must be > 0", a.ID)
		}
	}
	if cycle := findCycle(p.Actions); cycle != nil {
		return faults.New(faults.CodeValidation, "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	if opts.Schemas != nil {
		for _, a := range p.Actions {
			if !opts.Schemas.HasSchema(a.Module, a.Action) {
				if opts.Strict {
					return faults.New(faults.CodeValidation, "action %q: no schema registered for %s.%s", a.ID, a.Module, a.Action)
				}
				continue
			}
			if err := opts.Schemas.CheckParams(a.Module, a.Action, a.Params); err != nil {
				return faults.Wrap(faults.CodeValidation, err, "action %q: params do not match schema for %s.%s", a.ID, a.Module, a.Action)
			}
		}
	}
	return nil
}

// findCycle runs a DFS with grey/black colouring over the dependency
// graph and returns the first cycle found as an id path, or nil.
// Traversal order is deterministic (sorted ids).
func findCycle(actions []*Action) []string {
	deps := make(map[string][]string, len(actions))
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		sorted := append([]string(nil), a.DependsOn...)
		sort.Strings(sorted)
		deps[a.ID] = sorted
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)

	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(actions))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch colour[dep] {
			case grey:
				// Found the back edge; slice the stack from the first
				// occurrence of dep to close the cycle.
				// A grey node is always on the stack; slice from its
				// first occurrence to close the cycle.
				i := 0
				for stack[i] != dep {
					i++
				}
				return append(append([]string(nil), stack[i:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}

	for _, id := range ids {
		if colour[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
