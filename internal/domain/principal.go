package domain

// Principal identifies the caller of an operation: either an authenticated
// user or an anonymous session. The zero value is no principal.
type Principal struct {
	ID        string
	Anonymous bool
}

// UserPrincipal builds an authenticated principal.
func UserPrincipal(userID string) Principal {
	return Principal{ID: userID}
}

// AnonymousPrincipal builds an anonymous-session principal.
func AnonymousPrincipal(sessionID string) Principal {
	return Principal{ID: sessionID, Anonymous: true}
}

// IsZero reports whether no principal is present.
func (p Principal) IsZero() bool { return p.ID == "" }

// Ref is the ledger user_ref for this principal: the user id for
// authenticated callers, the session id for anonymous ones.
func (p Principal) Ref() string { return p.ID }
