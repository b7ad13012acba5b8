package types

import "errors"

// Sentinel errors matching the kinds named in spec §7 (Error Handling
// Design). Components wrap these with fmt.Errorf("...: %w", ErrX) so
// callers can errors.Is against a stable taxonomy.
var (
	ErrNotRunning               = errors.New("not running")
	ErrTimeout                  = errors.New("timeout")
	ErrConnectionLimitExceeded  = errors.New("connection limit exceeded")
	ErrSessionLimitExceeded     = errors.New("session limit exceeded")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyConnected         = errors.New("already connected")
	ErrLocalContextImmutable    = errors.New("the local context cannot be disconnected or deleted")
	ErrPathTraversal            = errors.New("path escapes allowed root")
	ErrCredentialNameCollision  = errors.New("credential name collides with an existing credential")
)
