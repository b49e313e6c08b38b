package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"goa.design/llmos/runtime/plan"
	"goa.design/llmos/runtime/telemetry"
)

type (
	// PipelineResult aggregates the full scanner pipeline outcome for
	// one plan.
	PipelineResult struct {
		Allowed        bool     `json:"allowed"`
		Aggregate      Verdict  `json:"aggregate_verdict"`
		MaxRiskScore   float64  `json:"max_risk_score"`
		Results        []Result `json:"scanner_results,omitempty"`
		ShortCircuited bool     `json:"short_circuited"`
		DurationMs     float64  `json:"total_duration_ms"`
	}

	// Pipeline runs enabled scanners in priority order over the
	// serialised plan. It short-circuits on reject when FailFast is
	// set and also rejects when the aggregate risk crosses
	// RejectThreshold.
	Pipeline struct {
		registry *Registry
		logger   telemetry.Logger

		// FailFast stops at the first rejecting scanner.
		FailFast bool
		// RejectThreshold blocks the plan when the maximum risk score
		// reaches it even without an explicit reject verdict.
		RejectThreshold float64
		// Enabled gates the whole pipeline; a disabled pipeline allows
		// everything.
		Enabled bool
	}
)

// NewPipeline constructs a pipeline with the daemon defaults:
// fail-fast, reject at risk 0.7.
func NewPipeline(registry *Registry, logger telemetry.Logger) *Pipeline {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Pipeline{
		registry:        registry,
		logger:          logger,
		FailFast:        true,
		RejectThreshold: 0.7,
		Enabled:         true,
	}
}

// ScanPlan serialises the plan and runs it through every enabled
// scanner. Scanner errors never fail the pipeline; they downgrade to a
// warn result carrying the diagnostic.
func (p *Pipeline) ScanPlan(ctx context.Context, pl *plan.Plan) PipelineResult {
	out := PipelineResult{Allowed: true, Aggregate: VerdictAllow}
	if !p.Enabled {
		return out
	}
	scanners := p.registry.Enabled()
	if len(scanners) == 0 {
		return out
	}

	text := serialisePlan(pl)
	sc := Context{
		PlanID:          pl.PlanID,
		PlanDescription: pl.Description,
		ActionCount:     len(pl.Actions),
		ModuleIDs:       moduleIDs(pl),
		SessionID:       pl.SessionID,
	}

	start := time.Now()
	for _, s := range scanners {
		res, err := s.Scan(ctx, text, sc)
		if err != nil {
			p.logger.Error(ctx, "scanner failed", "scanner_id", s.ID(), "err", err.Error())
			res = Result{
				ScannerID: s.ID(),
				Verdict:   VerdictWarn,
				Details:   fmt.Sprintf("scanner error: %v", err),
			}
		}
		out.Results = append(out.Results, res)

		if res.RiskScore > out.MaxRiskScore {
			out.MaxRiskScore = res.RiskScore
		}
		switch res.Verdict {
		case VerdictReject:
			out.Aggregate = VerdictReject
			out.Allowed = false
		case VerdictWarn:
			if out.Aggregate != VerdictReject {
				out.Aggregate = VerdictWarn
			}
		}
		if p.FailFast && res.Verdict == VerdictReject {
			out.ShortCircuited = true
			p.logger.Warn(ctx, "scanner pipeline short-circuit",
				"scanner_id", s.ID(), "risk_score", res.RiskScore, "plan_id", pl.PlanID)
			break
		}
	}
	out.DurationMs = float64(time.Since(start).Microseconds()) / 1000

	if out.MaxRiskScore >= p.RejectThreshold && out.Aggregate != VerdictReject {
		out.Aggregate = VerdictReject
		out.Allowed = false
	}
	return out
}

// serialisePlan renders the scanner view of a plan: ids, modules,
// actions, params, and user-controlled metadata.
func serialisePlan(pl *plan.Plan) string {
	doc := map[string]any{
		"plan_id":     pl.PlanID,
		"description": pl.Description,
	}
	actions := make([]map[string]any, 0, len(pl.Actions))
	for _, a := range pl.Actions {
		actions = append(actions, map[string]any{
			"id":     a.ID,
			"module": a.Module,
			"action": a.Action,
			"params": a.Params,
		})
	}
	doc["actions"] = actions
	if len(pl.Metadata) > 0 {
		doc["metadata"] = pl.Metadata
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(data)
}

func moduleIDs(pl *plan.Plan) []string {
	set := map[string]bool{}
	for _, a := range pl.Actions {
		set[a.Module] = true
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
