package models

import "errors"

// Error kinds surfaced by the session registry and dispatcher. Lookup
// and policy failures are returned to the immediate caller and never
// retried. Operation conflicts are not errors at all — they come back
// as data on the apply result.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotJoinable = errors.New("session is not joinable")
	ErrSessionFull        = errors.New("session is full")
	ErrUserNotInSession   = errors.New("user is not in session")
	ErrPermissionDenied   = errors.New("permission denied")
)
