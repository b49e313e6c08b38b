package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"goa.design/llmos/runtime/faults"
	"goa.design/llmos/runtime/plan"
)

// StateVersion tags the serialised ExecutionState format. The on-disk
// shape is an internal contract; bump this when it changes.
const StateVersion = 1

type (
	// ErrorRecord is the serialisable form of a fault recorded against
	// an action or a plan.
	ErrorRecord struct {
		Code     faults.Code     `json:"code"`
		Message  string          `json:"message"`
		Recovery *faults.Recovery `json:"recovery,omitempty"`
	}

	// ActionState tracks one action's progress through its lifecycle.
	ActionState struct {
		Status         plan.ActionStatus `json:"status"`
		Attempt        int               `json:"attempt"`
		FirstStartedAt *time.Time        `json:"first_started_at,omitempty"`
		LastFinishedAt *time.Time        `json:"last_finished_at,omitempty"`
		Result         any               `json:"result,omitempty"`
		Error          *ErrorRecord      `json:"error,omitempty"`
	}

	// ExecutionState is the mutable record of one plan in flight,
	// created by the executor on entry and mutated only by the
	// executor (and the approval gate on resume). It is persisted on
	// every terminal per-action transition.
	ExecutionState struct {
		StateVersion int                     `json:"state_version"`
		PlanID       string                  `json:"plan_id"`
		SessionID    string                  `json:"session_id,omitempty"`
		Status       plan.Status             `json:"plan_status"`
		StartedAt    time.Time               `json:"started_at"`
		FinishedAt   *time.Time              `json:"finished_at,omitempty"`
		Actions      map[string]*ActionState `json:"actions"`
		Results      map[string]any          `json:"results,omitempty"`
		Errors       map[string]ErrorRecord  `json:"errors,omitempty"`

		mu sync.Mutex
	}

	// StateStore persists execution states keyed by plan id. It is the
	// source of truth for resumability after a daemon restart.
	StateStore interface {
		Save(ctx context.Context, s *ExecutionState) error
		Load(ctx context.Context, planID string) (*ExecutionState, bool, error)
		List(ctx context.Context) ([]string, error)
		Delete(ctx context.Context, planID string) error
	}
)

// NewExecutionState initialises the state for a plan, all actions
// pending.
func NewExecutionState(p *plan.Plan) *ExecutionState {
	s := &ExecutionState{
		StateVersion: StateVersion,
		PlanID:       p.PlanID,
		SessionID:    p.SessionID,
		Status:       plan.StatusPending,
		StartedAt:    time.Now().UTC(),
		Actions:      make(map[string]*ActionState, len(p.Actions)),
		Results:      make(map[string]any),
		Errors:       make(map[string]ErrorRecord),
	}
	for _, a := range p.Actions {
		s.Actions[a.ID] = &ActionState{Status: plan.ActionPending}
	}
	return s
}

// RecordFromError converts any error into its serialisable record.
func RecordFromError(err error) ErrorRecord {
	var f *faults.Fault
	if errors.As(err, &f) {
		return ErrorRecord{Code: f.Code, Message: f.Message, Recovery: f.Recovery}
	}
	return ErrorRecord{Code: faults.CodeInternal, Message: err.Error()}
}

// Update runs fn under the state lock. All mutation goes through here
// so concurrent wave goroutines never race.
func (s *ExecutionState) Update(fn func(*ExecutionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Snapshot returns a deep copy safe to hand to other goroutines or
// serialise. The copy carries no lock state.
func (s *ExecutionState) Snapshot() *ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ExecutionState{
		StateVersion: s.StateVersion,
		PlanID:       s.PlanID,
		SessionID:    s.SessionID,
		Status:       s.Status,
		StartedAt:    s.StartedAt,
		Actions:      make(map[string]*ActionState, len(s.Actions)),
		Results:      make(map[string]any, len(s.Results)),
		Errors:       make(map[string]ErrorRecord, len(s.Errors)),
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	for id, as := range s.Actions {
		copied := *as
		out.Actions[id] = &copied
	}
	for id, r := range s.Results {
		out.Results[id] = r
	}
	for id, e := range s.Errors {
		out.Errors[id] = e
	}
	return out
}

// ResultsSnapshot copies the completed results map for template
// resolution.
func (s *ExecutionState) ResultsSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.Results))
	for id, r := range s.Results {
		out[id] = r
	}
	return out
}

// StatusSnapshot copies the per-action statuses for template
// resolution.
func (s *ExecutionState) StatusSnapshot() map[string]plan.ActionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]plan.ActionStatus, len(s.Actions))
	for id, as := range s.Actions {
		out[id] = as.Status
	}
	return out
}

// ActionStatus reads one action's status.
func (s *ExecutionState) ActionStatus(id string) plan.ActionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if as, ok := s.Actions[id]; ok {
		return as.Status
	}
	return ""
}

// InMemStateStore keeps snapshots in memory, for tests and dry runs.
type InMemStateStore struct {
	mu     sync.RWMutex
	states map[string]*ExecutionState
}

// NewInMemStateStore returns an empty store.
func NewInMemStateStore() *InMemStateStore {
	return &InMemStateStore{states: make(map[string]*ExecutionState)}
}

// Save stores a snapshot of the state.
func (st *InMemStateStore) Save(_ context.Context, s *ExecutionState) error {
	snap := s.Snapshot()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.states[snap.PlanID] = snap
	return nil
}

// Load returns a snapshot copy for the plan id.
func (st *InMemStateStore) Load(_ context.Context, planID string) (*ExecutionState, bool, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.states[planID]
	if !ok {
		return nil, false, nil
	}
	return s.Snapshot(), true, nil
}

// List returns the stored plan ids.
func (st *InMemStateStore) List(context.Context) ([]string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.states))
	for id := range st.states {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes a stored state.
func (st *InMemStateStore) Delete(_ context.Context, planID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, planID)
	return nil
}

// FileStateStore persists each state as one JSON file under dir,
// written crash-safe: write to a temp file, fsync, then rename over
// the final path.
type FileStateStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStateStore creates dir if needed and returns the store.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (st *FileStateStore) path(planID string) string {
	return filepath.Join(st.dir, planID+".json")
}

// Save writes the state atomically.
func (st *FileStateStore) Save(_ context.Context, s *ExecutionState) error {
	snap := s.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state %s: %w", snap.PlanID, err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tmp, err := os.CreateTemp(st.dir, snap.PlanID+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), st.path(snap.PlanID))
}

// Load reads a state file. Missing files report ok=false.
func (st *FileStateStore) Load(_ context.Context, planID string) (*ExecutionState, bool, error) {
	data, err := os.ReadFile(st.path(planID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s ExecutionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("decode state %s: %w", planID, err)
	}
	return &s, true, nil
}

// List returns the plan ids with stored state.
func (st *FileStateStore) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}

// Delete removes a state file. Missing files are a no-op.
func (st *FileStateStore) Delete(_ context.Context, planID string) error {
	err := os.Remove(st.path(planID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
