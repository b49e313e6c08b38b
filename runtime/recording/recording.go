// Package recording captures executed plans into named sessions and
// replays a session as a single merged plan. The replay plan chains
// the recorded plans sequentially so the original (module, action)
// order is preserved.
package recording

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
)

type (
	// RecordedPlan is one captured execution inside a recording.
	RecordedPlan struct {
		PlanID      string      `json:"plan_id"`
		Seq         int         `json:"seq"`
		AddedAt     time.Time   `json:"added_at"`
		Body        *plan.Plan  `json:"body"`
		FinalStatus plan.Status `json:"final_status"`
		ActionCount int         `json:"action_count"`
	}

	// Recording is one named capture session.
	Recording struct {
		RecordingID string         `json:"recording_id"`
		Name        string         `json:"name"`
		StartedAt   time.Time      `json:"started_at"`
		StoppedAt   *time.Time     `json:"stopped_at,omitempty"`
		Plans       []RecordedPlan `json:"plans"`
	}

	// Recorder captures every executed plan into the active session.
	// At most one session is active; starting a new one stops the
	// previous.
	Recorder struct {
		mu       sync.Mutex
		active   *Recording
		finished map[string]*Recording
	}
)

// NewRecorder returns a recorder with no active session.
func NewRecorder() *Recorder {
	return &Recorder{finished: make(map[string]*Recording)}
}

// Start opens a named session and returns its id. A session already
// active is stopped first.
func (r *Recorder) Start(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.stopLocked()
	}
	r.active = &Recording{
		RecordingID: uuid.NewString(),
		Name:        name,
		StartedAt:   time.Now().UTC(),
	}
	return r.active.RecordingID
}

// Stop closes the active session and returns it.
func (r *Recorder) Stop() (*Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, false
	}
	rec := r.active
	r.stopLocked()
	return rec, true
}

func (r *Recorder) stopLocked() {
	now := time.Now().UTC()
	r.active.StoppedAt = &now
	r.finished[r.active.RecordingID] = r.active
	r.active = nil
}

// Capture appends an executed plan to the active session. A recorder
// with no active session drops the capture.
func (r *Recorder) Capture(p *plan.Plan, finalStatus plan.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	r.active.Plans = append(r.active.Plans, RecordedPlan{
		PlanID:      p.PlanID,
		Seq:         len(r.active.Plans) + 1,
		AddedAt:     time.Now().UTC(),
		Body:        p,
		FinalStatus: finalStatus,
		ActionCount: len(p.Actions),
	})
}

// Active reports the active session id, if any.
func (r *Recorder) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.RecordingID, true
}

// Get returns a finished recording by id.
func (r *Recorder) Get(recordingID string) (*Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.finished[recordingID]
	return rec, ok
}

// List returns the finished recordings, newest last.
func (r *Recorder) List() []*Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Recording, 0, len(r.finished))
	for _, rec := range r.finished {
		out = append(out, rec)
	}
	return out
}

// Replay merges a recording into one sequential plan. Action ids gain
// a pN_ prefix per source plan, depends_on references are remapped,
// and actions with no dependencies in plans after the first chain to
// the previous plan's last action, so the merged plan replays the
// session in order.
func Replay(rec *Recording) (*plan.Plan, error) {
	if rec == nil || len(rec.Plans) == 0 {
		return nil, faults.New(faults.CodeValidation, "recording has no plans to replay")
	}

	merged := &plan.Plan{
		PlanID:          "replay_" + rec.RecordingID[:8],
		ProtocolVersion: plan.CurrentVersion,
		Description:     "replay of recording " + rec.Name,
		ExecutionMode:   plan.ModeSequential,
		Metadata: map[string]any{
			"source":              "shadow_recorder",
			"recording_id":        rec.RecordingID,
			"original_plan_count": len(rec.Plans),
		},
	}

	prevLast := ""
	for _, recorded := range rec.Plans {
		prefix := prefixFor(recorded.Seq)
		var last string
		for _, a := range recorded.Body.Actions {
			copied := *a
			copied.ID = prefix + a.ID
			copied.DependsOn = remapDeps(a.DependsOn, prefix)
			if len(copied.DependsOn) == 0 && prevLast != "" {
				copied.DependsOn = []string{prevLast}
			}
			if a.Rollback != nil {
				rb := *a.Rollback
				rb.Action = prefix + rb.Action
				copied.Rollback = &rb
			}
			merged.Actions = append(merged.Actions, &copied)
			last = copied.ID
		}
		if last != "" {
			prevLast = last
		}
	}
	return merged, nil
}

func prefixFor(seq int) string {
	return "p" + strconv.Itoa(seq) + "_"
}

func remapDeps(deps []string, prefix string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = prefix + d
	}
	return out
}
