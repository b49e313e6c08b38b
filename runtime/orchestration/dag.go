// Package orchestration executes validated plans: wave scheduling over
// the dependency DAG, the per-plan execution state and its stores, the
// executor with retry/rollback/approval/cancellation, and the plan
// group fan-out.
package orchestration

import (
	"sort"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
)

// Waves computes the topological layering of a plan's DAG: wave k
// holds the actions whose dependencies all live in waves < k. Order
// inside a wave is deterministic (sorted ids). Sequential execution
// mode flattens the layering to one action per wave, preserving
// dependency order.
//
// Validation runs before scheduling, so a cycle here means the caller
// skipped Validate; it is still reported rather than looping.
func Waves(p *plan.Plan) ([][]string, error) {
	indegree := make(map[string]int, len(p.Actions))
	dependents := make(map[string][]string, len(p.Actions))
	for _, a := range p.Actions {
		indegree[a.ID] = len(a.DependsOn)
		for _, dep := range a.DependsOn {
			dependents[dep] = append(dependents[dep], a.ID)
		}
	}

	ready := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		if indegree[a.ID] == 0 {
			ready = append(ready, a.ID)
		}
	}
	sort.Strings(ready)

	var waves [][]string
	scheduled := 0
	for len(ready) > 0 {
		wave := ready
		waves = append(waves, wave)
		scheduled += len(wave)

		var next []string
		for _, id := range wave {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}
	if scheduled != len(p.Actions) {
		return nil, faults.New(faults.CodeValidation, "plan %q has a dependency cycle", p.PlanID)
	}

	if p.ExecutionMode == plan.ModeSequential {
		flat := make([][]string, 0, len(p.Actions))
		for _, wave := range waves {
			for _, id := range wave {
				flat = append(flat, []string{id})
			}
		}
		return flat, nil
	}
	return waves, nil
}
