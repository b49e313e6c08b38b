package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmos/runtime/faults"
)

func validRaw() map[string]any {
	return map[string]any{
		"plan_id":          "test-plan-1",
		"protocol_version": "2.0",
		"description":      "write then read",
		"actions": []any{
			map[string]any{
				"id":     "write",
				"module": "filesystem",
				"action": "write_file",
				"params": map[string]any{"path": "/tmp/a.txt", "content": "hi"},
			},
			map[string]any{
				"id":         "read",
				"module":     "filesystem",
				"action":     "read_file",
				"params":     map[string]any{"path": "/tmp/a.txt"},
				"depends_on": []any{"write"},
			},
		},
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse(validRaw())
	require.NoError(t, err)

	assert.Equal(t, ModeSequential, p.ExecutionMode)
	assert.Equal(t, ModeExecute, p.Mode)
	for _, a := range p.Actions {
		assert.Equal(t, OnErrorFail, a.OnError)
		assert.Equal(t, DefaultTimeoutS, a.TimeoutS)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	raw := validRaw()
	raw["surprise"] = true
	_, err := Parse(raw)
	require.Error(t, err)
	assert.Equal(t, faults.CodeParse, faults.CodeOf(err))
}

func TestParseRejectsMissingPlanID(t *testing.T) {
	raw := validRaw()
	delete(raw, "plan_id")
	_, err := Parse(raw)
	require.Error(t, err)
	assert.Equal(t, faults.CodeParse, faults.CodeOf(err))
}

func TestParseNormalisesOnErrorAliases(t *testing.T) {
	raw := validRaw()
	actions := raw["actions"].([]any)
	actions[0].(map[string]any)["on_error"] = "abort"
	actions[1].(map[string]any)["on_error"] = "skip"

	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, OnErrorFail, p.Actions[0].OnError)
	assert.Equal(t, OnErrorContinue, p.Actions[1].OnError)
}

func TestValidateDetectsCycle(t *testing.T) {
	p, err := Parse(map[string]any{
		"plan_id": "cyclic",
		"actions": []any{
			map[string]any{"id": "a", "module": "m", "action": "x", "depends_on": []any{"c"}},
			map[string]any{"id": "b", "module": "m", "action": "x", "depends_on": []any{"a"}},
			map[string]any{"id": "c", "module": "m", "action": "x", "depends_on": []any{"b"}},
		},
	})
	require.NoError(t, err)

	err = Validate(p, ValidateOptions{})
	require.Error(t, err)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")
	// The reported path names all three participants.
	for _, id := range []string{"a", "b", "c"} {
		assert.Contains(t, err.Error(), id)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	p, err := Parse(map[string]any{
		"plan_id": "selfie",
		"actions": []any{
			map[string]any{"id": "a", "module": "m", "action": "x", "depends_on": []any{"a"}},
		},
	})
	require.NoError(t, err)
	err = Validate(p, ValidateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestValidateUnknownDependency(t *testing.T) {
	raw := validRaw()
	actions := raw["actions"].([]any)
	actions[1].(map[string]any)["depends_on"] = []any{"ghost"}
	p, err := Parse(raw)
	require.NoError(t, err)
	err = Validate(p, ValidateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateDuplicateIDs(t *testing.T) {
	raw := validRaw()
	actions := raw["actions"].([]any)
	actions[1].(map[string]any)["id"] = "write"
	delete(actions[1].(map[string]any), "depends_on")
	p, err := Parse(raw)
	require.NoError(t, err)
	err = Validate(p, ValidateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRollbackTarget(t *testing.T) {
	raw := validRaw()
	actions := raw["actions"].([]any)
	actions[1].(map[string]any)["rollback"] = map[string]any{"action": "nope"}
	p, err := Parse(raw)
	require.NoError(t, err)
	err = Validate(p, ValidateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback target")
}

type stubSchemas struct {
	known map[string]bool
	err   error
}

func (s stubSchemas) HasSchema(module, action string) bool { return s.known[module+"."+action] }
func (s stubSchemas) CheckParams(string, string, map[string]any) error {
	return s.err
}

func TestValidateStrictRequiresSchema(t *testing.T) {
	p, err := Parse(validRaw())
	require.NoError(t, err)

	err = Validate(p, ValidateOptions{Schemas: stubSchemas{known: map[string]bool{}}, Strict: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema registered")

	// Open world: same plan passes when strict is off.
	require.NoError(t, Validate(p, ValidateOptions{Schemas: stubSchemas{known: map[string]bool{}}}))
}

func TestMigrateV1toV2(t *testing.T) {
	reg := NewMigrationRegistry()
	raw := map[string]any{
		"plan_id": "legacy",
		"version": "1.0",
		"steps": []any{
			map[string]any{"type": "os_exec", "name": "run_command", "params": []any{"ls", "-la"}},
			map[string]any{"id": "second", "type": "filesystem", "name": "read_file", "params": map[string]any{"path": "/etc/hosts"}},
		},
	}

	migrated, err := reg.Migrate(raw)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, migrated["protocol_version"])
	assert.Nil(t, migrated["steps"])

	p, err := Parse(migrated)
	require.NoError(t, err)
	require.Len(t, p.Actions, 2)
	assert.Equal(t, "step_1", p.Actions[0].ID)
	assert.Equal(t, "os_exec", p.Actions[0].Module)
	assert.Equal(t, "run_command", p.Actions[0].Action)
	assert.Equal(t, []any{"ls", "-la"}, p.Actions[0].Params["args"])
	assert.Equal(t, "second", p.Actions[1].ID)
}

func TestMigrateCurrentVersionIsIdentity(t *testing.T) {
	reg := NewMigrationRegistry()
	raw := validRaw()
	out, err := reg.Migrate(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestMigrateUnknownVersion(t *testing.T) {
	reg := NewMigrationRegistry()
	_, err := reg.Migrate(map[string]any{"plan_id": "x", "protocol_version": "0.4"})
	require.Error(t, err)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}

func TestMigrateChainsSteps(t *testing.T) {
	reg := NewMigrationRegistry()
	reg.Register("0.9", "1.0", func(raw map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(raw))
		for k, v := range raw {
			out[k] = v
		}
		return out, nil
	})
	raw := map[string]any{
		"plan_id":          "chained",
		"protocol_version": "0.9",
		"steps":            []any{},
	}
	out, err := reg.Migrate(raw)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, out["protocol_version"])
}

func TestRepairDropsAndCoerces(t *testing.T) {
	raw := validRaw()
	raw["llm_notes"] = "scratch"
	actions := raw["actions"].([]any)
	actions[0].(map[string]any)["timeout_s"] = "30"
	actions[0].(map[string]any)["confidence"] = 0.9

	res := Repair(raw)
	require.NotNil(t, res)

	ops := map[string]int{}
	for _, c := range res.Changes {
		ops[c.Op]++
	}
	assert.GreaterOrEqual(t, ops["drop_field"], 2)
	assert.GreaterOrEqual(t, ops["coerce_number"], 1)

	p, err := Parse(res.Candidate)
	require.NoError(t, err)
	assert.Equal(t, 30.0, p.Actions[0].TimeoutS)
}

func TestEffectiveRetryFallback(t *testing.T) {
	a := &Action{}
	rc := a.EffectiveRetry(nil)
	assert.Equal(t, DefaultMaxAttempts, rc.MaxAttempts)
	assert.Equal(t, DefaultBackoffInitial, rc.BackoffInitial)

	planDefaults := &RetryConfig{MaxAttempts: 5, BackoffInitial: 0.5, BackoffFactor: 3}
	rc = a.EffectiveRetry(planDefaults)
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 0.5, rc.BackoffInitial)
	assert.Equal(t, DefaultMaxBackoff, rc.MaxBackoff)

	a.Retry = &RetryConfig{MaxAttempts: 1}
	rc = a.EffectiveRetry(planDefaults)
	assert.Equal(t, 1, rc.MaxAttempts)
}
