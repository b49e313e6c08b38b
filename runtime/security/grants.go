package security

import (
	"context"
	"sync"
	"time"

	"goa.design/llmos/runtime/faults"
)

// Risk classifies the blast radius of a permission.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// GrantScope distinguishes grants that die with the process from
// persisted ones.
type GrantScope string

const (
	// ScopeSession grants are cleared when the daemon exits.
	ScopeSession GrantScope = "session"
	// ScopePermanent grants survive restarts via the permanent store.
	ScopePermanent GrantScope = "permanent"
)

type (
	// Grant authorises one permission id (a dotted path such as
	// "filesystem.write") until it expires or is revoked.
	Grant struct {
		PermissionID string     `json:"permission_id"`
		ModuleID     string     `json:"module_id"`
		Scope        GrantScope `json:"scope"`
		GrantedAt    time.Time  `json:"granted_at"`
		// ExpiresAt nil means the grant never expires.
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		RiskLevel Risk       `json:"risk_level"`
	}

	// GrantStore persists permanent grants. The redis feature provides
	// the durable implementation; InMemGrantStore backs tests and the
	// session scope.
	GrantStore interface {
		Put(ctx context.Context, g Grant) error
		Get(ctx context.Context, permissionID string) (Grant, bool, error)
		Delete(ctx context.Context, permissionID string) error
		List(ctx context.Context) ([]Grant, error)
	}

	// InMemGrantStore is a mutex-guarded map store.
	InMemGrantStore struct {
		mu     sync.RWMutex
		grants map[string]Grant
	}

	// GrantManager answers "is this permission granted right now",
	// consulting session grants first, then permanent ones, applying
	// lazy expiry on read. Low-risk permissions are auto-granted for
	// the session when AutoGrantLow is set.
	GrantManager struct {
		session   GrantStore
		permanent GrantStore

		// AutoGrantLow grants low-risk permissions on first use instead
		// of failing them.
		AutoGrantLow bool
	}
)

// NewInMemGrantStore returns an empty in-memory store.
func NewInMemGrantStore() *InMemGrantStore {
	return &InMemGrantStore{grants: make(map[string]Grant)}
}

// Put stores the grant keyed by permission id.
func (s *InMemGrantStore) Put(_ context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.PermissionID] = g
	return nil
}

// Get fetches a grant by permission id.
func (s *InMemGrantStore) Get(_ context.Context, permissionID string) (Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[permissionID]
	return g, ok, nil
}

// Delete removes a grant. Unknown ids are a no-op.
func (s *InMemGrantStore) Delete(_ context.Context, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, permissionID)
	return nil
}

// List returns every stored grant.
func (s *InMemGrantStore) List(context.Context) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	return out, nil
}

// NewGrantManager builds a manager. Session grants always live in a
// fresh in-memory store so they cannot survive a restart; permanent
// may be nil, in which case permanent grants are also process-local.
func NewGrantManager(permanent GrantStore) *GrantManager {
	if permanent == nil {
		permanent = NewInMemGrantStore()
	}
	return &GrantManager{
		session:      NewInMemGrantStore(),
		permanent:    permanent,
		AutoGrantLow: true,
	}
}

// Check verifies the permission id is granted. A missing grant fails
// with permission_not_granted carrying the exact request_permission
// call the LLM should make next. Expired grants are deleted on read.
func (m *GrantManager) Check(ctx context.Context, permissionID string, risk Risk) error {
	for _, store := range []GrantStore{m.session, m.permanent} {
		g, ok, err := store.Get(ctx, permissionID)
		if err != nil {
			return faults.Wrap(faults.CodeInternal, err, "grant store lookup for %q", permissionID)
		}
		if !ok {
			continue
		}
		if g.ExpiresAt != nil && time.Now().After(*g.ExpiresAt) {
			_ = store.Delete(ctx, permissionID)
			continue
		}
		return nil
	}
	if m.AutoGrantLow && risk == RiskLow {
		_ = m.session.Put(ctx, Grant{
			PermissionID: permissionID,
			Scope:        ScopeSession,
			GrantedAt:    time.Now(),
			RiskLevel:    RiskLow,
		})
		return nil
	}
	return faults.New(faults.CodePermissionNotGranted,
		"permission %q has not been granted", permissionID).
		WithRecovery(faults.Recovery{
			Module: "security",
			Action: "request_permission",
			Params: map[string]any{
				"permission_id": permissionID,
				"scope":         string(ScopeSession),
			},
			Hint: "request the permission, wait for the user to approve, then resubmit the plan",
		})
}

// Grant records a new grant in the store matching its scope.
func (m *GrantManager) Grant(ctx context.Context, g Grant) error {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now()
	}
	if g.Scope == ScopePermanent {
		return m.permanent.Put(ctx, g)
	}
	g.Scope = ScopeSession
	return m.session.Put(ctx, g)
}

// Revoke removes the grant from both scopes.
func (m *GrantManager) Revoke(ctx context.Context, permissionID string) error {
	if err := m.session.Delete(ctx, permissionID); err != nil {
		return err
	}
	return m.permanent.Delete(ctx, permissionID)
}

// List returns all live grants across both scopes, session first.
func (m *GrantManager) List(ctx context.Context) ([]Grant, error) {
	session, err := m.session.List(ctx)
	if err != nil {
		return nil, err
	}
	permanent, err := m.permanent.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Grant, 0, len(session)+len(permanent))
	for _, g := range append(session, permanent...) {
		if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}
