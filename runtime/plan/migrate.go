package plan

import (
	"fmt"

	"goa.design/llmos/runtime/faults"
)

type (
	// Migration promotes a raw plan document one protocol version step.
	// Migrations run before Parse, over the raw mapping, so they can
	// rename and reshape keys freely.
	Migration func(raw map[string]any) (map[string]any, error)

	// MigrationRegistry holds one-step migrations keyed by
	// (from, to) version pair and composes them into chains.
	MigrationRegistry struct {
		steps map[string]map[string]Migration
	}
)

// NewMigrationRegistry returns a registry preloaded with the built-in
// 1.0 to 2.0 migration.
func NewMigrationRegistry() *MigrationRegistry {
	r := &MigrationRegistry{steps: make(map[string]map[string]Migration)}
	r.Register("1.0", "2.0", migrateV1toV2)
	return r
}

// Register adds a one-step migration. Later registrations for the same
// pair replace earlier ones.
func (r *MigrationRegistry) Register(from, to string, m Migration) {
	if r.steps[from] == nil {
		r.steps[from] = make(map[string]Migration)
	}
	r.steps[from][to] = m
}

// Migrate promotes raw to CurrentVersion by composing registered steps
// along the shortest chain (BFS over version pairs). A document already
// at CurrentVersion is returned unchanged. A missing chain fails with a
// validation_error fault.
func (r *MigrationRegistry) Migrate(raw map[string]any) (map[string]any, error) {
	from := versionOf(raw)
	if from == CurrentVersion {
		return raw, nil
	}
	chain := r.findChain(from, CurrentVersion)
	if chain == nil {
		return nil, faults.New(faults.CodeValidation, "no migration path from protocol version %q to %q", from, CurrentVersion)
	}
	cur := raw
	for _, step := range chain {
		next, err := step.fn(cur)
		if err != nil {
			return nil, faults.Wrap(faults.CodeValidation, err, "migration %s to %s failed", step.from, step.to)
		}
		next["protocol_version"] = step.to
		cur = next
	}
	return cur, nil
}

type migrationStep struct {
	from, to string
	fn       Migration
}

// findChain runs BFS from the source version and reconstructs the
// shortest step sequence reaching the target.
func (r *MigrationRegistry) findChain(from, to string) []migrationStep {
	type node struct {
		version string
		path    []migrationStep
	}
	visited := map[string]bool{from: true}
	queue := []node{{version: from}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for next, fn := range r.steps[n.version] {
			if visited[next] {
				continue
			}
			path := append(append([]migrationStep(nil), n.path...), migrationStep{from: n.version, to: next, fn: fn})
			if next == to {
				return path
			}
			visited[next] = true
			queue = append(queue, node{version: next, path: path})
		}
	}
	return nil
}

func versionOf(raw map[string]any) string {
	if v, ok := raw["protocol_version"].(string); ok && v != "" {
		return v
	}
	// v1 documents used "version"; their absence altogether means v1.
	if v, ok := raw["version"].(string); ok && v != "" {
		return v
	}
	return "1.0"
}

// migrateV1toV2 reshapes the legacy v1 dialect: steps become actions,
// type/name become module/action, positional params lists become an
// {"args": [...]} map, and v2 defaults are filled in.
func migrateV1toV2(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "steps" || k == "version" {
			continue
		}
		out[k] = v
	}
	rawSteps, _ := raw["steps"].([]any)
	actions := make([]any, 0, len(rawSteps))
	for i, rs := range rawSteps {
		step, ok := rs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("steps[%d] is not an object", i)
		}
		action := make(map[string]any, len(step)+2)
		for k, v := range step {
			switch k {
			case "type":
				action["module"] = v
			case "name":
				action["action"] = v
			case "params":
				if list, isList := v.([]any); isList {
					action["params"] = map[string]any{"args": list}
				} else {
					action["params"] = v
				}
			default:
				action[k] = v
			}
		}
		if action["id"] == nil {
			action["id"] = fmt.Sprintf("step_%d", i+1)
		}
		if action["on_error"] == nil {
			action["on_error"] = string(OnErrorFail)
		}
		if action["timeout_s"] == nil {
			action["timeout_s"] = DefaultTimeoutS
		}
		actions = append(actions, action)
	}
	out["actions"] = actions
	return out, nil
}
