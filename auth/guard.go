// Package auth is the capability-check seam consumed by the sync protocol.
// Token issuance and document ACL management live in an external service;
// this package only answers "may this user act on this document at this
// role".
package auth

import (
	"context"
	"fmt"
	"sync"
)

// Role is a document capability level. Higher roles include lower ones.
type Role int

const (
	RoleViewer Role = iota + 1
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "owner":
		return RoleOwner, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Guard answers capability checks. Consulted at join time (viewer) and on
// every update (editor), since roles can change mid-session.
type Guard interface {
	HasAccess(ctx context.Context, userID, docID string, required Role) (bool, error)
}

// GuardFunc adapts a function to Guard, for wiring an external
// authorization service.
type GuardFunc func(ctx context.Context, userID, docID string, required Role) (bool, error)

func (f GuardFunc) HasAccess(ctx context.Context, userID, docID string, required Role) (bool, error) {
	return f(ctx, userID, docID, required)
}

// AllowAll grants every request. For tests and open single-user setups.
var AllowAll Guard = GuardFunc(func(context.Context, string, string, Role) (bool, error) {
	return true, nil
})

// StaticACL is an in-memory Guard with per-document grants and an optional
// default role for documents without an entry (zero = deny).
type StaticACL struct {
	mu      sync.RWMutex
	grants  map[string]map[string]Role // docID -> userID -> role
	defRole Role
}

func NewStaticACL(defaultRole Role) *StaticACL {
	return &StaticACL{
		grants:  make(map[string]map[string]Role),
		defRole: defaultRole,
	}
}

// Grant sets a user's role on a document.
func (a *StaticACL) Grant(docID, userID string, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grants[docID] == nil {
		a.grants[docID] = make(map[string]Role)
	}
	a.grants[docID][userID] = role
}

// Revoke removes a user's grant on a document.
func (a *StaticACL) Revoke(docID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[docID], userID)
}

func (a *StaticACL) HasAccess(_ context.Context, userID, docID string, required Role) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	role := a.defRole
	if r, ok := a.grants[docID][userID]; ok {
		role = r
	}
	return role >= required, nil
}
