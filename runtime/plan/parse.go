package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"goa.design/llmos/runtime/faults"
)

// Parse decodes a raw JSON-decoded mapping into a Plan. Unknown keys and
// type mismatches fail with a parse_error fault; structural invariants
// (cycles, dangling references) are Validate's job.
//
// Parse applies defaults: execution_mode=sequential, mode=execute,
// on_error=fail, timeout_s=60, protocol_version=CurrentVersion when
// absent.
func Parse(raw map[string]any) (*Plan, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, faults.Wrap(faults.CodeParse, err, "plan is not JSON-encodable")
	}
	return ParseJSON(data)
}

// ParseJSON decodes raw JSON bytes into a Plan. See Parse.
func ParseJSON(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, faults.Wrap(faults.CodeParse, err, "malformed plan document")
	}
	if err := shapeCheck(&p); err != nil {
		return nil, err
	}
	applyDefaults(&p)
	return &p, nil
}

// shapeCheck enforces the field-level constraints Parse owns: required
// fields present and enum values recognised.
func shapeCheck(p *Plan) error {
	if p.PlanID == "" {
		return faults.New(faults.CodeParse, "plan_id is required")
	}
	if len(p.Actions) == 0 {
		// An empty actions list is legal (completes immediately) but the
		// key itself must be present as a list; a null slice from JSON
		// null is accepted as empty.
		p.Actions = []*Action{}
	}
	if p.ExecutionMode != "" && p.ExecutionMode != ModeSequential && p.ExecutionMode != ModeParallel {
		return faults.New(faults.CodeParse, "unknown execution_mode %q", p.ExecutionMode)
	}
	if p.Mode != "" && p.Mode != ModeExecute && p.Mode != ModeDryRun {
		return faults.New(faults.CodeParse, "unknown mode %q", p.Mode)
	}
	for i, a := range p.Actions {
		if a == nil {
			return faults.New(faults.CodeParse, "actions[%d] is null", i)
		}
		if a.ID == "" {
			return faults.New(faults.CodeParse, "actions[%d]: id is required", i)
		}
		if a.Module == "" || a.Action == "" {
			return faults.New(faults.CodeParse, "action %q: module and action are required", a.ID)
		}
		if a.OnError != "" && !a.OnError.Valid() {
			return faults.New(faults.CodeParse, "action %q: unknown on_error policy %q", a.ID, a.OnError)
		}
		if a.TimeoutS < 0 {
			return faults.New(faults.CodeParse, "action %q: timeout_s must be > 0", a.ID)
		}
		if a.Retry != nil && a.Retry.MaxAttempts < 0 {
			return faults.New(faults.CodeParse, "action %q: retry.max_attempts must be >= 0", a.ID)
		}
	}
	return nil
}

func applyDefaults(p *Plan) {
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = CurrentVersion
	}
	if p.ExecutionMode == "" {
		p.ExecutionMode = ModeSequential
	}
	if p.Mode == "" {
		p.Mode = ModeExecute
	}
	for _, a := range p.Actions {
		if a.OnError == "" {
			a.OnError = OnErrorFail
		}
		if a.TimeoutS == 0 {
			a.TimeoutS = DefaultTimeoutS
		}
		if a.Params == nil {
			a.Params = map[string]any{}
		}
	}
}

// MarshalIndent renders the plan as indented JSON, used by the CLI and
// the replayer when persisting generated plans.
func (p *Plan) MarshalIndent() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode plan %s: %w", p.PlanID, err)
	}
	return data, nil
}
