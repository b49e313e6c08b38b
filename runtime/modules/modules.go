// Package modules defines the uniform provider interface every
// capability module implements, the manifest structure that describes
// a module's actions, and the registry the executor dispatches through.
//
// The core never imports a concrete provider; filesystem, HTTP, GUI and
// the rest live outside this repository and are registered at daemon
// boot by the composition root.
package modules

import (
	"context"
	"time"
)

type (
	// Provider is the uniform dispatch interface for one capability
	// module. Implementations must honour ctx cancellation at I/O
	// boundaries and must treat the ExecutionContext as read-only.
	Provider interface {
		// Execute runs one named action with the given params and
		// returns its result tree (JSON-compatible values).
		Execute(ctx context.Context, action string, params map[string]any, ec ExecutionContext) (any, error)
		// Manifest describes the module and its actions.
		Manifest() Manifest
		// ContextSnippet returns optional prose inlined into the system
		// prompt, or the empty string.
		ContextSnippet() string
	}

	// ExecutionContext carries per-dispatch metadata into a provider.
	ExecutionContext struct {
		PlanID     string
		ActionID   string
		SessionID  string
		WorkingDir string
		// PreviousResults is a snapshot of completed action results in
		// the same plan, keyed by action id.
		PreviousResults map[string]any
	}

	// Manifest describes one module for validation, prompting, and
	// introspection.
	Manifest struct {
		ModuleID    string       `json:"module_id"`
		Version     string       `json:"version"`
		Description string       `json:"description"`
		Platforms   []string     `json:"platforms,omitempty"`
		Actions     []ActionSpec `json:"actions"`
	}

	// ActionSpec describes one action a module offers.
	ActionSpec struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		// ParamsSchema and ReturnsSchema are JSON schema documents.
		ParamsSchema  map[string]any `json:"params_schema,omitempty"`
		ReturnsSchema map[string]any `json:"returns_schema,omitempty"`
		// PermissionRequired names the grant (dotted path) the action
		// needs, or empty for none.
		PermissionRequired string   `json:"permission_required,omitempty"`
		RiskLevel          string   `json:"risk_level,omitempty"` // low, medium, high, critical
		DataClass          string   `json:"data_class,omitempty"`
		AuditLevel         string   `json:"audit_level,omitempty"`
		Irreversible       bool     `json:"irreversible,omitempty"`
		Sensitive          bool     `json:"sensitive,omitempty"`
		Platforms          []string `json:"platforms,omitempty"`
		Examples           []string `json:"examples,omitempty"`
		// RateLimitPerMinute is an optional per-action rate hint.
		RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty"`
	}
)

// ActionSpec lookup helper.
func (m Manifest) Action(name string) (ActionSpec, bool) {
	for _, a := range m.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// availabilityProbe is how long a lazy availability check may take
// before the provider is reported unavailable.
const availabilityProbe = 5 * time.Second

// AvailabilityChecker is implemented by providers whose backing
// resources can be down (a database, a display server). The registry
// probes it lazily on first dispatch.
type AvailabilityChecker interface {
	CheckAvailable(ctx context.Context) error
}
