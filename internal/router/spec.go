// Package router implements recipient resolution and broadcast fan-out:
// it maps a recipient specification (direct, group, or global) onto the
// live connections in the registry and delivers one payload to all of
// them, isolating per-connection failures. An optional NATS bridge
// extends fan-out across relay instances.
package router

// Scope selects which variant of a RecipientSpec is active. Exactly one
// variant applies per delivery; variants are never combined.
type Scope string

const (
	// ScopeGlobal targets every connected user.
	ScopeGlobal Scope = "global"

	// ScopeDirect targets one counterpart; the sender's own connections
	// are echoed to as well (multi-device echo).
	ScopeDirect Scope = "direct"

	// ScopeGroup targets every member of a group that is currently
	// connected; absent members are silently skipped.
	ScopeGroup Scope = "group"
)

// RecipientSpec describes the delivery scope for one outbound message.
type RecipientSpec struct {
	Scope   Scope   `json:"scope"`
	UserID  int64   `json:"user_id,omitempty"`
	Members []int64 `json:"members,omitempty"`
}

// Global returns a spec targeting all connected users.
func Global() RecipientSpec {
	return RecipientSpec{Scope: ScopeGlobal}
}

// Direct returns a spec targeting one counterpart.
func Direct(userID int64) RecipientSpec {
	return RecipientSpec{Scope: ScopeDirect, UserID: userID}
}

// Group returns a spec targeting the given member set.
func Group(members []int64) RecipientSpec {
	return RecipientSpec{Scope: ScopeGroup, Members: members}
}
