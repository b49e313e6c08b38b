// Package plan defines the plan language data model together with its
// parser, validator, migration registry, and best-effort repairer.
//
// A plan is a directed acyclic graph of typed actions. Plans are
// immutable once submitted: the orchestration layer never mutates a
// Plan, it tracks progress in its own ExecutionState.
//
// # Pipeline
//
// Raw input flows through migrate (version promotion over raw maps),
// then Parse (shape and type checks), then Validate (structural
// invariants plus optional per-action schema validation).
package plan

import (
	"encoding/json"
	"regexp"
	"time"
)

// CurrentVersion is the protocol version this daemon speaks natively.
const CurrentVersion = "2.0"

type (
	// ExecutionMode selects how independent actions are ordered.
	ExecutionMode string

	// Mode selects whether a plan executes for real or is dry-run only.
	Mode string

	// OnError selects the policy applied when an action fails.
	OnError string

	// Status is the lifecycle status of a whole plan.
	Status string

	// ActionStatus is the lifecycle status of a single action.
	ActionStatus string
)

const (
	// ModeSequential executes actions one wave at a time with each wave
	// holding a single action (dependency order still honoured).
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel executes each dependency wave concurrently.
	ModeParallel ExecutionMode = "parallel"
)

const (
	// ModeExecute runs the plan against real providers.
	ModeExecute Mode = "execute"
	// ModeDryRun validates and schedules but dispatches nothing.
	ModeDryRun Mode = "dry_run"
)

const (
	// OnErrorFail stops the whole plan on failure. Dependents and all
	// their descendants are skipped.
	OnErrorFail OnError = "fail"
	// OnErrorContinue records the failure and keeps going.
	OnErrorContinue OnError = "continue"
	// OnErrorRetry retries with exponential backoff per RetryConfig.
	OnErrorRetry OnError = "retry"
	// OnErrorRollback dispatches the configured compensating action.
	OnErrorRollback OnError = "rollback"
)

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
	// StatusPartial marks a plan where some actions failed under
	// on_error=continue while the rest succeeded.
	StatusPartial Status = "partial"
)

const (
	ActionPending          ActionStatus = "pending"
	ActionRunning          ActionStatus = "running"
	ActionSucceeded        ActionStatus = "succeeded"
	ActionFailed           ActionStatus = "failed"
	ActionSkipped          ActionStatus = "skipped"
	ActionAwaitingApproval ActionStatus = "awaiting_approval"
	ActionCancelled        ActionStatus = "cancelled"
)

// Terminal reports whether the plan status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartial:
		return true
	}
	return false
}

// Terminal reports whether the action status is final.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionFailed, ActionSkipped, ActionCancelled:
		return true
	}
	return false
}

type (
	// Plan is one DAG of actions submitted for execution.
	Plan struct {
		PlanID          string            `json:"plan_id"`
		ProtocolVersion string            `json:"protocol_version"`
		Description     string            `json:"description,omitempty"`
		SessionID       string            `json:"session_id,omitempty"`
		Metadata        map[string]any    `json:"metadata,omitempty"`
		ExecutionMode   ExecutionMode     `json:"execution_mode,omitempty"`
		Mode            Mode              `json:"mode,omitempty"`
		RetryDefaults   *RetryConfig      `json:"retry_defaults,omitempty"`
		TimeoutSeconds  float64           `json:"timeout_seconds,omitempty"`
		Actions         []*Action         `json:"actions"`
	}

	// Action is one node in a plan: a typed call to a provider.
	Action struct {
		ID                 string          `json:"id"`
		Module             string          `json:"module"`
		Action             string          `json:"action"`
		Params             map[string]any  `json:"params,omitempty"`
		DependsOn          []string        `json:"depends_on,omitempty"`
		OnError            OnError         `json:"on_error,omitempty"`
		Retry              *RetryConfig    `json:"retry,omitempty"`
		Rollback           *RollbackConfig `json:"rollback,omitempty"`
		TimeoutS           float64         `json:"timeout_s,omitempty"`
		PermissionRequired string          `json:"permission_required,omitempty"`
		RequiresApproval   bool            `json:"requires_approval,omitempty"`
	}

	// RetryConfig tunes the exponential backoff applied under
	// on_error=retry.
	RetryConfig struct {
		MaxAttempts    int     `json:"max_attempts"`
		BackoffInitial float64 `json:"backoff_initial_s"`
		BackoffFactor  float64 `json:"backoff_factor"`
		MaxBackoff     float64 `json:"max_backoff_s,omitempty"`
	}

	// RollbackConfig names the compensating action (another action id in
	// the same plan) and parameter overrides merged over its params.
	RollbackConfig struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params,omitempty"`
	}
)

// Defaults applied during Parse.
const (
	DefaultTimeoutS       = 60.0
	DefaultMaxAttempts    = 3
	DefaultBackoffInitial = 1.0
	DefaultBackoffFactor  = 2.0
	DefaultMaxBackoff     = 60.0
)

var (
	// idPattern constrains plan and action ids.
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)
	// modulePattern constrains module ids.
	modulePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidID reports whether s is a well-formed plan or action id.
func ValidID(s string) bool { return idPattern.MatchString(s) }

// ValidModuleID reports whether s is a well-formed module id.
func ValidModuleID(s string) bool { return modulePattern.MatchString(s) }

// ActionByID returns the action with the given id, or nil.
func (p *Plan) ActionByID(id string) *Action {
	for _, a := range p.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Timeout returns the per-action timeout as a duration, falling back to
// the default when unset.
func (a *Action) Timeout() time.Duration {
	secs := a.TimeoutS
	if secs <= 0 {
		secs = DefaultTimeoutS
	}
	return time.Duration(secs * float64(time.Second))
}

// EffectiveRetry returns the action's retry configuration, falling back
// to the plan defaults, then to package defaults. The returned value is
// a copy.
func (a *Action) EffectiveRetry(planDefaults *RetryConfig) RetryConfig {
	var rc RetryConfig
	switch {
	case a.Retry != nil:
		rc = *a.Retry
	case planDefaults != nil:
		rc = *planDefaults
	}
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = DefaultMaxAttempts
	}
	if rc.BackoffInitial <= 0 {
		rc.BackoffInitial = DefaultBackoffInitial
	}
	if rc.BackoffFactor <= 0 {
		rc.BackoffFactor = DefaultBackoffFactor
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = DefaultMaxBackoff
	}
	return rc
}

// UnmarshalJSON normalises the legacy on_error aliases: "abort" maps to
// fail and "skip" maps to continue.
func (e *OnError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "abort":
		*e = OnErrorFail
	case "skip":
		*e = OnErrorContinue
	default:
		*e = OnError(s)
	}
	return nil
}

// Valid reports whether the policy is one of the canonical values.
func (e OnError) Valid() bool {
	switch e {
	case OnErrorFail, OnErrorContinue, OnErrorRetry, OnErrorRollback:
		return true
	}
	return false
}
