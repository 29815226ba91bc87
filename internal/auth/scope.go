// Package auth holds permission scopes, access tokens and the OIDC client
// used by workers and other API consumers.
package auth

import (
	"context"

	"zimfarm/internal/domain"
)

// Scope maps namespace -> action -> allowed. Missing keys deny.
type Scope map[string]map[string]bool

func (s Scope) HasPermission(namespace, action string) bool {
	actions, ok := s[namespace]
	if !ok {
		return false
	}
	return actions[action]
}

// Clone returns a deep copy.
func (s Scope) Clone() Scope {
	out := make(Scope, len(s))
	for ns, actions := range s {
		cp := make(map[string]bool, len(actions))
		for a, v := range actions {
			cp[a] = v
		}
		out[ns] = cp
	}
	return out
}

const (
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleEditor    = "editor"
	RoleWorker    = "worker"
	RoleProcessor = "processor"
)

var namespaces = map[string][]string{
	"tasks":     {"read", "create", "update", "delete", "request", "unrequest", "cancel"},
	"schedules": {"read", "create", "update", "delete"},
	"users":     {"read", "create", "update", "delete", "change_password"},
	"workers":   {"read", "create", "update", "delete"},
}

var roleGrants = map[string]map[string][]string{
	RoleManager: {
		"tasks":     {"read", "request", "unrequest", "cancel"},
		"schedules": {"read", "create", "update", "delete"},
		"users":     {"read"},
		"workers":   {"read"},
	},
	RoleEditor: {
		"tasks":     {"read", "request", "unrequest"},
		"schedules": {"read", "create", "update"},
	},
	RoleWorker: {
		"tasks":     {"read", "create", "update"},
		"schedules": {"read"},
	},
	RoleProcessor: {
		"tasks": {"read", "update"},
	},
}

// RoleScope expands a role into its scope. Unknown roles get nothing.
func RoleScope(role string) Scope {
	s := Scope{}
	if role == RoleAdmin {
		for ns, actions := range namespaces {
			s[ns] = map[string]bool{}
			for _, a := range actions {
				s[ns][a] = true
			}
		}
		return s
	}
	for ns, actions := range roleGrants[role] {
		s[ns] = map[string]bool{}
		for _, a := range actions {
			s[ns][a] = true
		}
	}
	return s
}

// Principal is the authenticated caller of a core operation.
type Principal struct {
	Username string
	Scope    Scope
}

// Require fails with a PermissionDenied naming the missing pair.
func (p Principal) Require(namespace, action string) error {
	if !p.Scope.HasPermission(namespace, action) {
		return domain.PermissionDenied(namespace, action)
	}
	return nil
}

// SeesSecrets reports whether secret offliner flags are shown to p
// unmasked: only callers allowed to edit schedules see them.
func (p Principal) SeesSecrets() bool {
	return p.Scope.HasPermission("schedules", "update")
}

// System is the requester used for beat-triggered work.
func System() Principal {
	return Principal{Username: "system", Scope: RoleScope(RoleAdmin)}
}

// Anonymous can read schedules and tasks, like the public API.
func Anonymous() Principal {
	return Principal{Scope: Scope{
		"schedules": {"read": true},
		"tasks":     {"read": true},
	}}
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the request principal, or Anonymous.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Anonymous()
}
