package security

import (
	"context"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/telemetry"
)

// AuditLogger emits structured audit events for each guard stage
// outcome onto the event bus, routed to the topic matching the event
// kind. Emission is fire-and-forget; audit must never block or fail an
// action.
type AuditLogger struct {
	bus    *events.Bus
	logger telemetry.Logger
}

// NewAuditLogger wraps the bus. A nil bus yields a logger that only
// writes to the telemetry log.
func NewAuditLogger(bus *events.Bus, logger telemetry.Logger) *AuditLogger {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &AuditLogger{bus: bus, logger: logger}
}

// kindTopics routes audit kinds to their bus topics. Unlisted kinds go
// to the security topic.
var kindTopics = map[string]events.Topic{
	events.KindActionStarted:         events.TopicActions,
	events.KindActionSucceeded:       events.TopicActions,
	events.KindActionFailed:          events.TopicActions,
	events.KindActionCancelled:       events.TopicActions,
	events.KindActionSkipped:         events.TopicActions,
	events.KindActionSanitised:       events.TopicActions,
	events.KindPlanStarted:           events.TopicPlans,
	events.KindPlanCompleted:         events.TopicPlans,
	events.KindPlanFailed:            events.TopicPlans,
	events.KindPlanCancelled:         events.TopicPlans,
	events.KindPlanSuspended:         events.TopicPlans,
	events.KindPlanResumed:           events.TopicPlans,
	events.KindPermissionGranted:     events.TopicPermissions,
	events.KindPermissionRevoked:     events.TopicPermissions,
	events.KindPermissionCheckFailed: events.TopicPermissions,
	events.KindRateLimitExceeded:     events.TopicSecurity,
	events.KindSensitiveAction:       events.TopicSecurity,
	events.KindScanBlocked:           events.TopicSecurity,
	events.KindScanWarned:            events.TopicSecurity,
	events.KindScanPassed:            events.TopicSecurity,
	events.KindIntentVerified:        events.TopicSecurity,
	events.KindRollbackExecuted:      events.TopicActions,
	events.KindTriggerFired:          events.TopicPlans,
	events.KindTriggerRejected:       events.TopicPlans,
	events.KindTriggerDisabled:       events.TopicPlans,
}

// Log emits one audit event. planID and actionID may be empty for
// events not tied to a specific action.
func (a *AuditLogger) Log(ctx context.Context, kind, planID, actionID string, payload map[string]any) {
	topic, ok := kindTopics[kind]
	if !ok {
		topic = events.TopicSecurity
	}
	e := events.New(topic, kind)
	e.PlanID = planID
	e.ActionID = actionID
	e.Payload = payload
	if a.bus != nil {
		a.bus.Emit(e)
	}
	a.logger.Debug(ctx, "audit", "kind", kind, "plan_id", planID, "action_id", actionID)
}

// Error emits the event onto the errors topic in addition to its kind
// topic so error subscribers see every failure in one place.
func (a *AuditLogger) Error(ctx context.Context, kind, planID, actionID string, payload map[string]any) {
	a.Log(ctx, kind, planID, actionID, payload)
	if a.bus != nil {
		e := events.New(events.TopicErrors, kind)
		e.PlanID = planID
		e.ActionID = actionID
		e.Payload = payload
		a.bus.Emit(e)
	}
}
