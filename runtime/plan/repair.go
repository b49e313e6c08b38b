package plan

import (
	"fmt"
	"strconv"
)

type (
	// RepairChange records one mechanical fix the repairer applied.
	RepairChange struct {
		Op     string `json:"op"`     // drop_field, coerce_number, fill_default
		Path   string `json:"path"`   // dotted location, e.g. actions.3.timeout_s
		Detail string `json:"detail"` // human-readable description
	}

	// RepairResult carries the corrected-plan candidate and the change
	// list. The caller decides whether to resubmit; the executor never
	// invokes repair on its own.
	RepairResult struct {
		Candidate map[string]any `json:"candidate"`
		Changes   []RepairChange `json:"changes"`
	}
)

// knownPlanKeys are the top-level keys Parse accepts.
var knownPlanKeys = map[string]bool{
	"plan_id": true, "protocol_version": true, "description": true,
	"session_id": true, "metadata": true, "execution_mode": true,
	"mode": true, "retry_defaults": true, "timeout_seconds": true,
	"actions": true,
}

var knownActionKeys = map[string]bool{
	"id": true, "module": true, "action": true, "params": true,
	"depends_on": true, "on_error": true, "retry": true, "rollback": true,
	"timeout_s": true, "permission_required": true, "requires_approval": true,
}

// numericActionKeys are action fields the repairer will coerce from
// numeric string literals.
var numericActionKeys = map[string]bool{"timeout_s": true}

var numericRetryKeys = map[string]bool{
	"max_attempts": true, "backoff_initial_s": true,
	"backoff_factor": true, "max_backoff_s": true,
}

// Repair produces a corrected-plan candidate from a raw document that
// failed Parse. It only performs mechanical fixes: dropping unknown
// keys, coercing numeric string literals, and filling missing defaults.
// It never invents or reinterprets semantics.
func Repair(raw map[string]any) *RepairResult {
	res := &RepairResult{Candidate: make(map[string]any, len(raw))}
	for k, v := range raw {
		if !knownPlanKeys[k] {
			res.Changes = append(res.Changes, RepairChange{
				Op: "drop_field", Path: k,
				Detail: fmt.Sprintf("unknown top-level field %q dropped", k),
			})
			continue
		}
		res.Candidate[k] = v
	}
	if res.Candidate["protocol_version"] == nil && raw["version"] == nil {
		res.Candidate["protocol_version"] = CurrentVersion
		res.Changes = append(res.Changes, RepairChange{
			Op: "fill_default", Path: "protocol_version",
			Detail: "missing protocol_version set to " + CurrentVersion,
		})
	}
	rawActions, _ := res.Candidate["actions"].([]any)
	actions := make([]any, 0, len(rawActions))
	for i, ra := range rawActions {
		action, ok := ra.(map[string]any)
		if !ok {
			actions = append(actions, ra)
			continue
		}
		actions = append(actions, repairAction(action, i, res))
	}
	if rawActions != nil {
		res.Candidate["actions"] = actions
	}
	return res
}

func repairAction(action map[string]any, idx int, res *RepairResult) map[string]any {
	out := make(map[string]any, len(action))
	prefix := fmt.Sprintf("actions.%d.", idx)
	for k, v := range action {
		if !knownActionKeys[k] {
			res.Changes = append(res.Changes, RepairChange{
				Op: "drop_field", Path: prefix + k,
				Detail: fmt.Sprintf("unknown action field %q dropped", k),
			})
			continue
		}
		if numericActionKeys[k] {
			v = coerceNumber(v, prefix+k, res)
		}
		if k == "retry" {
			if retry, isMap := v.(map[string]any); isMap {
				fixed := make(map[string]any, len(retry))
				for rk, rv := range retry {
					if numericRetryKeys[rk] {
						rv = coerceNumber(rv, prefix+"retry."+rk, res)
					}
					fixed[rk] = rv
				}
				v = fixed
			}
		}
		out[k] = v
	}
	if out["on_error"] == nil {
		out["on_error"] = string(OnErrorFail)
		res.Changes = append(res.Changes, RepairChange{
			Op: "fill_default", Path: prefix + "on_error",
			Detail: "missing on_error set to fail",
		})
	}
	if out["timeout_s"] == nil {
		out["timeout_s"] = DefaultTimeoutS
		res.Changes = append(res.Changes, RepairChange{
			Op: "fill_default", Path: prefix + "timeout_s",
			Detail: fmt.Sprintf("missing timeout_s set to %v", DefaultTimeoutS),
		})
	}
	return out
}

// coerceNumber converts a numeric string literal to a float64. Anything
// else passes through untouched.
func coerceNumber(v any, path string, res *RepairResult) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return v
	}
	res.Changes = append(res.Changes, RepairChange{
		Op: "coerce_number", Path: path,
		Detail: fmt.Sprintf("string %q coerced to number", s),
	})
	return f
}
