package auth

import "errors"

// Sentinel errors returned by the auth layer.
// Callers should use errors.Is for comparison.
var (
	// ErrBadCredential is returned when an API key does not match any agent.
	ErrBadCredential = errors.New("auth: bad credential")

	// ErrAgentRevoked is returned when the API key matches an agent that has
	// been revoked by an operator.
	ErrAgentRevoked = errors.New("auth: agent revoked")

	// ErrTokenExpired is returned when a registration token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a registration token cannot be parsed
	// or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
