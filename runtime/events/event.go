// Package events carries audit and state events out of the execution
// core. Producers emit onto a closed set of topics; delivery to sinks
// is asynchronous and best-effort with per-sink bounded queues.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic names one event stream. The set is closed; components never
// mint topic strings ad hoc.
type Topic string

const (
	TopicPlans       Topic = "llmos.plans"
	TopicActions     Topic = "llmos.actions"
	TopicSecurity    Topic = "llmos.security"
	TopicPermissions Topic = "llmos.permissions"
	TopicErrors      Topic = "llmos.errors"
	TopicPerception  Topic = "llmos.perception"
	TopicIoT         Topic = "llmos.iot"
	TopicDB          Topic = "llmos.db"
	TopicFilesystem  Topic = "llmos.filesystem"
)

// Topics lists every known topic.
func Topics() []Topic {
	return []Topic{
		TopicPlans, TopicActions, TopicSecurity, TopicPermissions,
		TopicErrors, TopicPerception, TopicIoT, TopicDB, TopicFilesystem,
	}
}

// Priority orders events for consumers that care; delivery itself is
// FIFO per topic regardless.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is one record on the bus. Events are immutable once emitted.
type Event struct {
	ID            string         `json:"id"`
	Topic         Topic          `json:"topic"`
	Kind          string         `json:"kind"`
	TS            time.Time      `json:"ts"`
	PlanID        string         `json:"plan_id,omitempty"`
	ActionID      string         `json:"action_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	// CausedBy links this event to the event that caused it, forming a
	// causality chain across components.
	CausedBy string         `json:"caused_by,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// New constructs a stamped event.
func New(topic Topic, kind string) Event {
	return Event{
		ID:       uuid.NewString(),
		Topic:    topic,
		Kind:     kind,
		TS:       time.Now().UTC(),
		Priority: PriorityNormal,
	}
}

// SpawnChild derives a new event caused by e, inheriting topic, session
// and correlation identity.
func (e Event) SpawnChild(kind string) Event {
	child := New(e.Topic, kind)
	child.CausedBy = e.ID
	child.SessionID = e.SessionID
	child.CorrelationID = e.CorrelationID
	child.PlanID = e.PlanID
	return child
}

// Audit event kinds emitted by the security and orchestration layers.
const (
	KindActionStarted         = "action_started"
	KindActionSucceeded       = "action_succeeded"
	KindActionFailed          = "action_failed"
	KindActionCancelled       = "action_cancelled"
	KindActionSkipped         = "action_skipped"
	KindActionSanitised       = "action_sanitised"
	KindPlanStarted           = "plan_started"
	KindPlanCompleted         = "plan_completed"
	KindPlanFailed            = "plan_failed"
	KindPlanCancelled         = "plan_cancelled"
	KindPlanSuspended         = "plan_suspended"
	KindPlanResumed           = "plan_resumed"
	KindPermissionGranted     = "permission_granted"
	KindPermissionRevoked     = "permission_revoked"
	KindPermissionCheckFailed = "permission_check_failed"
	KindRateLimitExceeded     = "rate_limit_exceeded"
	KindSensitiveAction       = "sensitive_action_invoked"
	KindScanBlocked           = "scan_blocked"
	KindScanWarned            = "scan_warned"
	KindScanPassed            = "scan_passed"
	KindIntentVerified        = "intent_verified"
	KindRollbackExecuted      = "rollback_executed"
	KindTriggerFired          = "trigger_fired"
	KindTriggerRejected       = "trigger_rejected"
	KindTriggerDisabled       = "trigger_disabled"
	KindEventsDropped         = "events_dropped"
)
