// Package template substitutes ${...} references inside action params
// immediately before dispatch. References resolve against a read-only
// snapshot of already-completed action results, the process
// environment, and plan-level fields. Cyclic references are impossible
// by construction: the executor only resolves against actions whose
// waves have terminated.
//
// Syntax:
//
//	${actions.<id>.result[.path...]}   result of a completed action
//	${actions.<id>.status}             status of a completed action
//	${env.<NAME>}                      environment variable
//	${plan.<field>}                    plan_id, description, protocol_version, execution_mode
package template

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
)

// refPattern matches one ${...} reference. The body is kept loose here;
// resolve reports precise errors for malformed bodies.
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

type (
	// Snapshot is the read-only view a resolution runs against.
	Snapshot struct {
		// Plan is the plan being executed.
		Plan *plan.Plan
		// Results maps completed action ids to their results.
		Results map[string]any
		// Statuses maps action ids to their current status.
		Statuses map[string]plan.ActionStatus
		// Env overrides os.Getenv when non-nil, for tests.
		Env func(string) (string, bool)
	}

	// Resolver substitutes template references in params trees.
	Resolver struct {
		// Strict fails resolution on an unresolvable reference. When
		// false the literal marker <unresolved:${...}> is substituted.
		Strict bool
	}
)

// ResolveParams returns a deep copy of params with every template
// reference substituted. The input is never mutated.
func (r *Resolver) ResolveParams(params map[string]any, snap Snapshot) (map[string]any, error) {
	out, err := r.resolveValue(params, snap)
	if err != nil {
		return nil, err
	}
	resolved, ok := out.(map[string]any)
	if !ok {
		// A params map only changes shape if the caller passed nil.
		return map[string]any{}, nil
	}
	return resolved, nil
}

func (r *Resolver) resolveValue(v any, snap Snapshot) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(val, snap)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(item, snap)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item, snap)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		// Numbers, booleans, nils pass through untouched.
		return v, nil
	}
}

// resolveString substitutes references in a single string. When the
// whole string is exactly one reference and the resolved value is not a
// string, the value replaces the string inline to preserve JSON types.
func (r *Resolver) resolveString(s string, snap Snapshot) (any, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}

	// Single whole-string reference: preserve the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		body := s[matches[0][2]:matches[0][3]]
		val, err := r.lookup(body, snap)
		if err != nil {
			if r.Strict {
				return nil, err
			}
			return unresolvedMarker(body), nil
		}
		return val, nil
	}

	// Multiple or embedded references: stringify each.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		body := s[m[2]:m[3]]
		val, err := r.lookup(body, snap)
		if err != nil {
			if r.Strict {
				return nil, err
			}
			b.WriteString(unresolvedMarker(body))
		} else {
			b.WriteString(stringify(val))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func unresolvedMarker(body string) string {
	return fmt.Sprintf("<unresolved:${%s}>", body)
}

// lookup resolves one reference body (the text between ${ and }).
func (r *Resolver) lookup(body string, snap Snapshot) (any, error) {
	parts := strings.Split(body, ".")
	switch parts[0] {
	case "actions":
		return r.lookupAction(body, parts, snap)
	case "env":
		if len(parts) != 2 || parts[1] == "" {
			return nil, faults.New(faults.CodeTemplate, "malformed env reference ${%s}", body)
		}
		getenv := snap.Env
		if getenv == nil {
			getenv = os.LookupEnv
		}
		val, ok := getenv(parts[1])
		if !ok {
			return nil, faults.New(faults.CodeTemplate, "environment variable %q is not set", parts[1])
		}
		return val, nil
	case "plan":
		if len(parts) != 2 || snap.Plan == nil {
			return nil, faults.New(faults.CodeTemplate, "malformed plan reference ${%s}", body)
		}
		switch parts[1] {
		case "plan_id":
			return snap.Plan.PlanID, nil
		case "description":
			return snap.Plan.Description, nil
		case "protocol_version":
			return snap.Plan.ProtocolVersion, nil
		case "execution_mode":
			return string(snap.Plan.ExecutionMode), nil
		}
		return nil, faults.New(faults.CodeTemplate, "unknown plan field %q", parts[1])
	default:
		return nil, faults.New(faults.CodeTemplate, "unknown reference kind in ${%s}", body)
	}
}

func (r *Resolver) lookupAction(body string, parts []string, snap Snapshot) (any, error) {
	if len(parts) < 3 {
		return nil, faults.New(faults.CodeTemplate, "malformed action reference ${%s}", body)
	}
	id := parts[1]
	switch parts[2] {
	case "status":
		status, ok := snap.Statuses[id]
		if !ok {
			return nil, faults.New(faults.CodeTemplate, "action %q has not run yet", id)
		}
		return string(status), nil
	case "result":
		result, ok := snap.Results[id]
		if !ok {
			return nil, faults.New(faults.CodeTemplate, "no result recorded for action %q", id)
		}
		return walkPath(result, parts[3:], body)
	default:
		return nil, faults.New(faults.CodeTemplate, "unknown action attribute %q in ${%s}", parts[2], body)
	}
}

// walkPath traverses maps by key and lists by numeric index.
func walkPath(v any, path []string, body string) (any, error) {
	cur := v
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, faults.New(faults.CodeTemplate, "path segment %q not found in ${%s}", seg, body)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, faults.New(faults.CodeTemplate, "invalid list index %q in ${%s}", seg, body)
			}
			cur = node[idx]
		default:
			return nil, faults.New(faults.CodeTemplate, "cannot descend into %T at %q in ${%s}", cur, seg, body)
		}
	}
	return cur, nil
}

// stringify renders a resolved value for embedding inside a larger
// string. Strings embed verbatim; everything else uses fmt.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", val)
	}
}
