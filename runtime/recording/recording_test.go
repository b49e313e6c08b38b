package recording

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmos/runtime/plan"
)

func capturedPlan(id string, actions ...*plan.Action) *plan.Plan {
	return &plan.Plan{PlanID: id, ProtocolVersion: plan.CurrentVersion, Actions: actions}
}

func TestRecorderCapturesInOrder(t *testing.T) {
	r := NewRecorder()
	id := r.Start("setup-session")

	r.Capture(capturedPlan("p1", &plan.Action{ID: "a1", Module: "fs", Action: "read"}), plan.StatusCompleted)
	r.Capture(capturedPlan("p2", &plan.Action{ID: "a1", Module: "fs", Action: "write"}), plan.StatusPartial)

	rec, ok := r.Stop()
	require.True(t, ok)
	assert.Equal(t, id, rec.RecordingID)
	require.Len(t, rec.Plans, 2)
	assert.Equal(t, 1, rec.Plans[0].Seq)
	assert.Equal(t, 2, rec.Plans[1].Seq)
	assert.Equal(t, plan.StatusPartial, rec.Plans[1].FinalStatus)
	assert.Equal(t, 1, rec.Plans[0].ActionCount)
	require.NotNil(t, rec.StoppedAt)

	// Captures after stop are dropped.
	r.Capture(capturedPlan("p3"), plan.StatusCompleted)
	_, ok = r.Stop()
	assert.False(t, ok)

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Len(t, got.Plans, 2)
}

func TestRecorderStartStopsPrevious(t *testing.T) {
	r := NewRecorder()
	first := r.Start("one")
	r.Capture(capturedPlan("p1", &plan.Action{ID: "a", Module: "m", Action: "x"}), plan.StatusCompleted)

	second := r.Start("two")
	assert.NotEqual(t, first, second)

	prev, ok := r.Get(first)
	require.True(t, ok)
	assert.Len(t, prev.Plans, 1)

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, second, active)
}

func TestReplayMergesAndChains(t *testing.T) {
	r := NewRecorder()
	r.Start("workflow")
	r.Capture(capturedPlan("p1",
		&plan.Action{ID: "fetch", Module: "net", Action: "get"},
		&plan.Action{ID: "save", Module: "fs", Action: "write", DependsOn: []string{"fetch"}},
	), plan.StatusCompleted)
	r.Capture(capturedPlan("p2",
		&plan.Action{ID: "notify", Module: "mail", Action: "send"},
	), plan.StatusCompleted)
	rec, _ := r.Stop()

	merged, err := Replay(rec)
	require.NoError(t, err)

	assert.Equal(t, plan.ModeSequential, merged.ExecutionMode)
	assert.Equal(t, "shadow_recorder", merged.Metadata["source"])
	assert.Equal(t, rec.RecordingID, merged.Metadata["recording_id"])
	assert.Equal(t, 2, merged.Metadata["original_plan_count"])

	require.Len(t, merged.Actions, 3)
	assert.Equal(t, "p1_fetch", merged.Actions[0].ID)
	assert.Equal(t, []string{"p1_fetch"}, merged.Actions[1].DependsOn)
	// The dep-free action of the second plan chains to the previous
	// plan's last action.
	assert.Equal(t, "p2_notify", merged.Actions[2].ID)
	assert.Equal(t, []string{"p1_save"}, merged.Actions[2].DependsOn)

	// The merged plan passes structural validation.
	require.NoError(t, plan.Validate(merged, plan.ValidateOptions{}))
}

func TestReplayVisitsRecordedSequence(t *testing.T) {
	r := NewRecorder()
	r.Start("sequence")
	r.Capture(capturedPlan("p1",
		&plan.Action{ID: "a", Module: "fs", Action: "read"},
	), plan.StatusCompleted)
	r.Capture(capturedPlan("p2",
		&plan.Action{ID: "a", Module: "db", Action: "query"},
		&plan.Action{ID: "b", Module: "db", Action: "insert", DependsOn: []string{"a"}},
	), plan.StatusCompleted)
	rec, _ := r.Stop()

	merged, err := Replay(rec)
	require.NoError(t, err)

	var sequence [][2]string
	for _, a := range merged.Actions {
		sequence = append(sequence, [2]string{a.Module, a.Action})
	}
	assert.Equal(t, [][2]string{{"fs", "read"}, {"db", "query"}, {"db", "insert"}}, sequence)
}

func TestReplayEmptyRecordingFails(t *testing.T) {
	r := NewRecorder()
	r.Start("empty")
	rec, _ := r.Stop()
	_, err := Replay(rec)
	require.Error(t, err)
}
