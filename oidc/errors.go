package oidc

import "errors"

// Sentinel errors callers are expected to branch on. Everything else is a
// plain wrapped error carrying a diagnostic message.
var (
	// ErrNoSuitableHandler reports that no registered handler could satisfy
	// a set of login options.
	ErrNoSuitableHandler = errors.New("no suitable login handler")

	// ErrUnknownState reports an incoming redirect whose state parameter
	// matches no pending authorization request, the defense against forged
	// or replayed redirects.
	ErrUnknownState = errors.New("no stored session is associated with the state")
)
