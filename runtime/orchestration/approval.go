package orchestration

import (
	"context"
	"sync"
	"time"

	"goa.design/llmos/runtime/faults"
)

// ApprovalDecision is the caller's answer to a pending approval.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
	DecisionSkip    ApprovalDecision = "skip"
	// DecisionModify approves with edited params.
	DecisionModify ApprovalDecision = "modify"
	// DecisionApproveAlways approves and auto-approves every later
	// action with the same module.action signature this session.
	DecisionApproveAlways ApprovalDecision = "approve_always"
)

type (
	// ApprovalResponse resolves one pending approval.
	ApprovalResponse struct {
		Decision ApprovalDecision `json:"decision"`
		// Params replaces the action params under DecisionModify.
		Params map[string]any `json:"params,omitempty"`
		Reason string         `json:"reason,omitempty"`
	}

	// PendingApproval describes one suspended action for the API.
	PendingApproval struct {
		PlanID    string         `json:"plan_id"`
		ActionID  string         `json:"action_id"`
		Signature string         `json:"signature"`
		Summary   map[string]any `json:"summary,omitempty"`
		AskedAt   time.Time      `json:"asked_at"`
	}

	pendingEntry struct {
		info PendingApproval
		ch   chan ApprovalResponse
	}

	// ApprovalGate suspends actions flagged requires-approval until an
	// external decision arrives. Pending entries are keyed by
	// (plan_id, action_id); approve_always signatures short-circuit
	// future asks for the same module.action.
	ApprovalGate struct {
		mu      sync.Mutex
		pending map[[2]string]*pendingEntry
		always  map[string]bool

		// Timeout bounds each wait; zero waits forever (until ctx).
		Timeout time.Duration
		// OnTimeout is the decision applied when the wait times out:
		// DecisionReject (default) or DecisionSkip.
		OnTimeout ApprovalDecision
	}
)

// NewApprovalGate returns a gate with no timeout.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{
		pending:   make(map[[2]string]*pendingEntry),
		always:    make(map[string]bool),
		OnTimeout: DecisionReject,
	}
}

// Await suspends until the (plan, action) approval is resolved. The
// signature is "module.action" and feeds the approve-always set. A
// context cancellation fails with a cancelled fault; a timeout applies
// OnTimeout.
func (g *ApprovalGate) Await(ctx context.Context, planID, actionID, signature string, summary map[string]any) (ApprovalResponse, error) {
	g.mu.Lock()
	if g.always[signature] {
		g.mu.Unlock()
		return ApprovalResponse{Decision: DecisionApprove, Reason: "auto-approved"}, nil
	}
	key := [2]string{planID, actionID}
	if _, dup := g.pending[key]; dup {
		g.mu.Unlock()
		return ApprovalResponse{}, faults.New(faults.CodeInternal, "action %s/%s is already awaiting approval", planID, actionID)
	}
	entry := &pendingEntry{
		info: PendingApproval{
			PlanID: planID, ActionID: actionID,
			Signature: signature, Summary: summary, AskedAt: time.Now().UTC(),
		},
		ch: make(chan ApprovalResponse, 1),
	}
	g.pending[key] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, key)
		g.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if g.Timeout > 0 {
		timer := time.NewTimer(g.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-entry.ch:
		if resp.Decision == DecisionApproveAlways {
			g.mu.Lock()
			g.always[signature] = true
			g.mu.Unlock()
		}
		return resp, nil
	case <-timeout:
		decision := g.OnTimeout
		if decision != DecisionSkip {
			decision = DecisionReject
		}
		return ApprovalResponse{Decision: decision, Reason: "approval timed out"}, nil
	case <-ctx.Done():
		return ApprovalResponse{}, faults.Wrap(faults.CodeCancelled, ctx.Err(), "approval wait for %s/%s interrupted", planID, actionID)
	}
}

// Resolve delivers the decision for a pending approval. Unknown keys
// fail so callers can distinguish a late answer from a typo.
func (g *ApprovalGate) Resolve(planID, actionID string, resp ApprovalResponse) error {
	g.mu.Lock()
	entry, ok := g.pending[[2]string{planID, actionID}]
	g.mu.Unlock()
	if !ok {
		return faults.New(faults.CodeValidation, "no pending approval for %s/%s", planID, actionID)
	}
	select {
	case entry.ch <- resp:
		return nil
	default:
		return faults.New(faults.CodeInternal, "approval for %s/%s already resolved", planID, actionID)
	}
}

// Pending lists the currently suspended approvals.
func (g *ApprovalGate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingApproval, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.info)
	}
	return out
}

// AutoApprove preloads a module.action signature into the
// approve-always set.
func (g *ApprovalGate) AutoApprove(signature string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.always[signature] = true
}
