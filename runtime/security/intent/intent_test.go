package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
)

type scriptedClient struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedClient) Complete(context.Context, string, string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func testPlan() (*plan.Plan, *plan.Action) {
	a := &plan.Action{
		ID: "a1", Module: "os_exec", Action: "run_command",
		Params: map[string]any{"command": "ls"},
	}
	return &plan.Plan{PlanID: "p1", Description: "list files", Actions: []*plan.Action{a}}, a
}

func TestApproveVerdict(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"verdict": "approve", "risk_level": "low", "reasoning": "benign listing"}`,
	}}
	v := NewVerifier(client, nil)
	pl, a := testPlan()

	res, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
}

func TestStrictRejectBecomesFault(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"verdict": "reject", "risk_level": "critical", "reasoning": "wipes the disk", "threats": ["destructive_command"]}`,
	}}
	v := NewVerifier(client, nil)
	pl, a := testPlan()

	res, err := v.VerifyAction(context.Background(), pl, a)
	require.Error(t, err)
	assert.Equal(t, faults.CodeSuspiciousIntent, faults.CodeOf(err))
	assert.Equal(t, VerdictReject, res.Verdict)
}

func TestPermissiveRejectAllowed(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"verdict": "reject", "risk_level": "high", "reasoning": "sketchy"}`,
	}}
	v := NewVerifier(client, nil)
	v.Strict = false
	pl, a := testPlan()

	res, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.Equal(t, VerdictReject, res.Verdict)
}

func TestVerdictCaching(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"verdict": "approve", "risk_level": "low", "reasoning": "fine"}`,
	}}
	v := NewVerifier(client, nil)
	pl, a := testPlan()

	_, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	res, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1, client.calls)

	// Different params bypass the cache.
	a2 := &plan.Action{ID: "a2", Module: a.Module, Action: a.Action, Params: map[string]any{"command": "rm x"}}
	client.responses = []string{`{"verdict": "approve", "risk_level": "low", "reasoning": "ok"}`}
	_, err = v.VerifyAction(context.Background(), pl, a2)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestCacheExpiry(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"verdict": "approve", "risk_level": "low", "reasoning": "ok"}`,
	}}
	v := NewVerifier(client, nil)
	v.CacheTTL = time.Millisecond
	pl, a := testPlan()

	_, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	client.responses = []string{`{"verdict": "approve", "risk_level": "low", "reasoning": "ok"}`}
	_, err = v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestClientFailureDegradesToWarn(t *testing.T) {
	client := &scriptedClient{err: errors.New("rate limited")}
	v := NewVerifier(client, nil)
	pl, a := testPlan()

	res, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.Equal(t, VerdictWarn, res.Verdict)
}

func TestFencedJSONTolerated(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```json\n{\"verdict\": \"warn\", \"risk_level\": \"medium\", \"reasoning\": \"broad glob\"}\n```",
	}}
	v := NewVerifier(client, nil)
	pl, a := testPlan()

	res, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.Equal(t, VerdictWarn, res.Verdict)
}

func TestGarbageResponseDegradesToWarn(t *testing.T) {
	client := &scriptedClient{responses: []string{"the action seems fine to me"}}
	v := NewVerifier(client, nil)
	pl, a := testPlan()

	res, err := v.VerifyAction(context.Background(), pl, a)
	require.NoError(t, err)
	assert.Equal(t, VerdictWarn, res.Verdict)
}
