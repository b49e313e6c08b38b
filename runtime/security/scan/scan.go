// Package scan provides pluggable pre-execution input scanning. Every
// submitted plan is serialised and run through an ordered pipeline of
// scanners before any LLM-based verification, so cheap pattern checks
// can reject hostile input without spending tokens.
package scan

import (
	"context"
	"sort"
	"sync"

	"goa.design/llmos/runtime/faults"
)

// Verdict is a single scanner's judgement.
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictWarn   Verdict = "warn"
	VerdictReject Verdict = "reject"
)

type (
	// Result is the outcome of one scanner execution. RiskScore runs
	// 0.0 (safe) to 1.0 (definitely malicious).
	Result struct {
		ScannerID       string         `json:"scanner_id"`
		Verdict         Verdict        `json:"verdict"`
		RiskScore       float64        `json:"risk_score"`
		ThreatTypes     []string       `json:"threat_types,omitempty"`
		Details         string         `json:"details,omitempty"`
		MatchedPatterns []string       `json:"matched_patterns,omitempty"`
		DurationMs      float64        `json:"scan_duration_ms"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	}

	// Context gives scanners structural information beyond the raw
	// text. Pattern scanners can ignore it.
	Context struct {
		PlanID          string
		PlanDescription string
		ActionCount     int
		ModuleIDs       []string
		SessionID       string
	}

	// Scanner analyses serialised plan text. Implementations must not
	// panic and should report internal errors as a warn verdict rather
	// than failing the pipeline.
	Scanner interface {
		// ID uniquely names the scanner across the registry.
		ID() string
		// Priority orders execution; lower runs first (fastest first).
		Priority() int
		// Scan analyses the text.
		Scan(ctx context.Context, text string, sc Context) (Result, error)
	}

	// Registry holds scanners with per-scanner enablement, serving the
	// pipeline and the admin API.
	Registry struct {
		mu       sync.RWMutex
		scanners map[string]Scanner
		disabled map[string]bool
	}
)

// NewRegistry returns an empty scanner registry.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[string]Scanner), disabled: make(map[string]bool)}
}

// Register adds a scanner. A duplicate id fails.
func (r *Registry) Register(s Scanner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.scanners[s.ID()]; dup {
		return faults.New(faults.CodeValidation, "scanner %q already registered", s.ID())
	}
	r.scanners[s.ID()] = s
	return nil
}

// SetEnabled toggles a scanner. Unknown ids fail.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scanners[id]; !ok {
		return faults.New(faults.CodeValidation, "unknown scanner %q", id)
	}
	r.disabled[id] = !enabled
	return nil
}

// Enabled returns the enabled scanners ordered by priority, then id.
func (r *Registry) Enabled() []Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scanner, 0, len(r.scanners))
	for id, s := range r.scanners {
		if !r.disabled[id] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Status describes one registered scanner for the admin API.
type Status struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Statuses lists every registered scanner, ordered by priority, then id.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.scanners))
	for id, s := range r.scanners {
		out = append(out, Status{ID: id, Priority: s.Priority(), Enabled: !r.disabled[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
