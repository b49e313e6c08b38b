package security

import (
	"context"

	"goa.design/llmos/runtime/events"
	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/modules"
	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/security/intent"
	"goa.design/llmos/runtime/security/scan"
)

type (
	// Pipeline is the strict-order guard every action traverses around
	// dispatch: profile guard, grant check, rate limit, then optional
	// intent verification; plan-level input scanning runs once at
	// admission; output sanitisation runs after dispatch. Any stage can
	// reject, and rejections surface as faults the executor folds into
	// the per-action state machine.
	Pipeline struct {
		Profile   Profile
		Grants    *GrantManager
		Limiter   *RateLimiter
		Scanners  *scan.Pipeline
		Verifier  *intent.Verifier
		Sanitizer *Sanitizer
		Audit     *AuditLogger
	}

	// Decision carries the non-rejecting outcomes of the pre-dispatch
	// stages.
	Decision struct {
		// RequiresApproval is set when the profile policy is prompt for
		// this action, forcing an approval gate even if the action did
		// not ask for one.
		RequiresApproval bool
		// Reason explains the deciding override, for the approval
		// prompt.
		Reason string
	}
)

// AdmitPlan runs the input scanner pipeline over the whole plan at
// submission. A blocked plan fails with scan_blocked before any action
// is scheduled.
func (p *Pipeline) AdmitPlan(ctx context.Context, pl *plan.Plan) error {
	if p.Scanners == nil {
		return nil
	}
	res := p.Scanners.ScanPlan(ctx, pl)
	payload := map[string]any{
		"verdict":    string(res.Aggregate),
		"risk_score": res.MaxRiskScore,
		"scanners":   len(res.Results),
	}
	switch {
	case !res.Allowed:
		p.audit().Error(ctx, events.KindScanBlocked, pl.PlanID, "", payload)
		return faults.New(faults.CodeScanBlocked,
			"plan %q blocked by input scanners (risk %.2f)", pl.PlanID, res.MaxRiskScore)
	case res.Aggregate == scan.VerdictWarn:
		if p.Profile.StrictMode && res.MaxRiskScore > p.Profile.MaxScanRiskScore {
			p.audit().Error(ctx, events.KindScanBlocked, pl.PlanID, "", payload)
			return faults.New(faults.CodeScanBlocked,
				"plan %q risk %.2f exceeds profile limit %.2f", pl.PlanID, res.MaxRiskScore, p.Profile.MaxScanRiskScore)
		}
		p.audit().Log(ctx, events.KindScanWarned, pl.PlanID, "", payload)
	default:
		p.audit().Log(ctx, events.KindScanPassed, pl.PlanID, "", payload)
	}
	return nil
}

// CheckAction runs the pre-dispatch stages for one action. The
// returned Decision may upgrade the action to requires-approval.
// PermissionDenied faults are terminal: the executor never retries
// them regardless of on_error.
func (p *Pipeline) CheckAction(ctx context.Context, pl *plan.Plan, a *plan.Action, spec modules.ActionSpec) (Decision, error) {
	var d Decision

	// Stage 1: static profile.
	policy, reason := p.Profile.Decide(a.Module, a.Action)
	switch policy {
	case PolicyDeny:
		p.audit().Error(ctx, events.KindPermissionCheckFailed, pl.PlanID, a.ID, map[string]any{
			"module": a.Module, "action": a.Action, "reason": reason,
		})
		return d, faults.New(faults.CodePermissionDenied,
			"profile %q denies %s.%s", p.Profile.Name, a.Module, a.Action)
	case PolicyPrompt:
		d.RequiresApproval = true
		d.Reason = reason
	}

	// Stage 2: runtime grants.
	permissionID := a.PermissionRequired
	if permissionID == "" {
		permissionID = spec.PermissionRequired
	}
	if permissionID != "" && p.Grants != nil {
		if err := p.Grants.Check(ctx, permissionID, Risk(spec.RiskLevel)); err != nil {
			p.audit().Error(ctx, events.KindPermissionCheckFailed, pl.PlanID, a.ID, map[string]any{
				"permission_id": permissionID,
			})
			return d, err
		}
	}

	// Stage 3: rate limit.
	if p.Limiter != nil {
		if err := p.Limiter.Allow(a.Module + "." + a.Action); err != nil {
			p.audit().Error(ctx, events.KindRateLimitExceeded, pl.PlanID, a.ID, map[string]any{
				"key": a.Module + "." + a.Action,
			})
			return d, err
		}
	}

	// Stage 5: intent verification for sensitive actions.
	if spec.Sensitive && p.Verifier != nil {
		p.audit().Log(ctx, events.KindSensitiveAction, pl.PlanID, a.ID, map[string]any{
			"module": a.Module, "action": a.Action, "risk_level": spec.RiskLevel,
		})
		res, err := p.Verifier.VerifyAction(ctx, pl, a)
		p.audit().Log(ctx, events.KindIntentVerified, pl.PlanID, a.ID, map[string]any{
			"verdict": string(res.Verdict), "risk_level": res.RiskLevel, "cached": res.Cached,
		})
		if err != nil {
			return d, err
		}
	}

	return d, nil
}

// SanitizeResult filters a provider result and audits the pass. The
// returned tree replaces the raw result everywhere downstream.
func (p *Pipeline) SanitizeResult(ctx context.Context, planID, actionID string, result any) any {
	if p.Sanitizer == nil {
		return result
	}
	out, report := p.Sanitizer.Sanitize(result)
	p.audit().Log(ctx, events.KindActionSanitised, planID, actionID, map[string]any{
		"redactions": report.Redactions, "truncations": report.Truncations,
	})
	return out
}

func (p *Pipeline) audit() *AuditLogger {
	if p.Audit != nil {
		return p.Audit
	}
	return NewAuditLogger(nil, nil)
}
