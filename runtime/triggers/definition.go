// Package triggers turns persistent trigger definitions into running
// watchers, queues their fires by priority, arbitrates resource locks
// between triggered plans, and launches the resulting plans through
// the executor.
package triggers

import (
	"time"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
)

type (
	// State is the lifecycle state of a trigger definition.
	State string

	// ConflictPolicy selects how a fire behaves when its resource lock
	// is already held.
	ConflictPolicy string

	// Condition is the tagged union describing when a trigger fires.
	// Type selects the variant; the other fields belong to one variant
	// each.
	Condition struct {
		Type string `json:"type"`

		// cron
		Expression string `json:"expression,omitempty"`

		// interval
		IntervalS float64 `json:"interval_s,omitempty"`

		// once
		At *time.Time `json:"at,omitempty"`

		// filesystem
		Path       string   `json:"path,omitempty"`
		FSEvents   []string `json:"events,omitempty"`
		CoalesceMS float64  `json:"coalesce_ms,omitempty"`

		// process
		ProcessName string `json:"process_name,omitempty"`
		PID         int32  `json:"pid,omitempty"`
		On          string `json:"on,omitempty"`

		// resource
		Metric        string  `json:"metric,omitempty"`
		ThresholdPct  float64 `json:"threshold_pct,omitempty"`
		HysteresisPct float64 `json:"hysteresis_pct,omitempty"`
		DiskPath      string  `json:"disk_path,omitempty"`
		PollS         float64 `json:"poll_s,omitempty"`

		// composite
		Operator string      `json:"operator,omitempty"`
		Children []Condition `json:"children,omitempty"`
		WithinS  float64     `json:"within_s,omitempty"`
		Count    int         `json:"count,omitempty"`
	}

	// Health tracks a trigger's recent reliability.
	Health struct {
		OK                  bool   `json:"ok"`
		LastError           string `json:"last_error,omitempty"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
	}

	// Definition is one persistent trigger. The runtime watcher it
	// describes exists only while the trigger is active.
	Definition struct {
		TriggerID    string         `json:"trigger_id"`
		Name         string         `json:"name"`
		Condition    Condition      `json:"condition"`
		Priority     int            `json:"priority"`
		PlanTemplate map[string]any `json:"plan_template"`
		ResourceLock string         `json:"resource_lock,omitempty"`
		// ConflictPolicy defaults to queue.
		ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty"`
		State          State          `json:"state"`
		EnabledAt      *time.Time     `json:"enabled_at,omitempty"`
		LastFiredAt    *time.Time     `json:"last_fired_at,omitempty"`
		FireCount      int            `json:"fire_count"`
		// MaxFires self-disables the trigger after that many fires;
		// zero means unbounded.
		MaxFires int `json:"max_fires,omitempty"`
		// MinIntervalS drops fires arriving sooner than this after the
		// previous one.
		MinIntervalS float64 `json:"min_interval_s,omitempty"`
		Health       Health  `json:"health"`
	}
)

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateFiring   State = "firing"
	StateDisabled State = "disabled"
)

const (
	PolicyQueue   ConflictPolicy = "queue"
	PolicyPreempt ConflictPolicy = "preempt"
	PolicyReject  ConflictPolicy = "reject"
)

// MaxConditionDepth bounds composite nesting.
const MaxConditionDepth = 8

// Validate checks the definition shape. The plan template is only
// shape-checked here; full plan validation happens per fire, against
// the module registry of that moment.
func (d *Definition) Validate() error {
	if !plan.ValidID(d.TriggerID) {
		return faults.New(faults.CodeValidation, "invalid trigger id %q", d.TriggerID)
	}
	if len(d.PlanTemplate) == 0 {
		return faults.New(faults.CodeValidation, "trigger %q has no plan template", d.TriggerID)
	}
	switch d.ConflictPolicy {
	case "", PolicyQueue, PolicyPreempt, PolicyReject:
	default:
		return faults.New(faults.CodeValidation, "unknown conflict policy %q", d.ConflictPolicy)
	}
	if d.ConflictPolicy != "" && d.ConflictPolicy != PolicyQueue && d.ResourceLock == "" {
		return faults.New(faults.CodeValidation, "conflict policy %q needs a resource lock", d.ConflictPolicy)
	}
	return d.Condition.Validate()
}

// Validate checks one condition variant, recursing through composites.
func (c Condition) Validate() error {
	return c.validate(1)
}

func (c Condition) validate(depth int) error {
	if depth > MaxConditionDepth {
		return faults.New(faults.CodeValidation, "composite conditions nest deeper than %d", MaxConditionDepth)
	}
	switch c.Type {
	case "cron":
		if c.Expression == "" {
			return faults.New(faults.CodeValidation, "cron condition needs an expression")
		}
	case "interval":
		if c.IntervalS <= 0 {
			return faults.New(faults.CodeValidation, "interval condition needs a positive interval_s")
		}
	case "once":
		if c.At == nil {
			return faults.New(faults.CodeValidation, "once condition needs an at time")
		}
	case "filesystem":
		if c.Path == "" {
			return faults.New(faults.CodeValidation, "filesystem condition needs a path")
		}
	case "process":
		if c.ProcessName == "" && c.PID == 0 {
			return faults.New(faults.CodeValidation, "process condition needs a name or a pid")
		}
	case "resource":
		if c.Metric == "" || c.ThresholdPct <= 0 {
			return faults.New(faults.CodeValidation, "resource condition needs a metric and threshold_pct")
		}
	case "composite":
		if len(c.Children) == 0 {
			return faults.New(faults.CodeValidation, "composite condition has no children")
		}
		for _, child := range c.Children {
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
	default:
		return faults.New(faults.CodeValidation, "unknown condition type %q", c.Type)
	}
	return nil
}

// clone returns a deep enough copy for store isolation. Condition
// children and the plan template are shared read-only trees.
func (d *Definition) clone() *Definition {
	out := *d
	if d.EnabledAt != nil {
		t := *d.EnabledAt
		out.EnabledAt = &t
	}
	if d.LastFiredAt != nil {
		t := *d.LastFiredAt
		out.LastFiredAt = &t
	}
	return &out
}
