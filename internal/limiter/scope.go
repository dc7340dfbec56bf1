// Package limiter defines the core rate limiting domain types shared by
// the policy store, the counter store and the enforcement middleware.
package limiter

import "fmt"

// Scope is the dimension a rate limit applies to. The set is closed;
// unknown scopes are rejected at policy load time rather than defaulting
// silently.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
)

// EnforcementOrder lists the scopes evaluated per request, narrowest
// first. A single abusive user must not hide behind tenant-level
// headroom, while an abusive IP still blocks regardless of user.
var EnforcementOrder = []Scope{ScopeUser, ScopeTenant, ScopeIP}

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGlobal, ScopeTenant, ScopeUser, ScopeIP:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// IsValid reports whether the scope is a member of the closed set.
func (s Scope) IsValid() bool {
	_, err := ParseScope(string(s))
	return err == nil
}
