package auth

import "errors"

// Sentinel errors shared by the JWT middleware and the agent token verifier.
var (
	// ErrUnauthorized means no usable credential was presented.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrForbidden means the credential is valid but the role is insufficient.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrInvalidToken covers malformed, unknown and deactivated tokens alike.
	ErrInvalidToken = errors.New("auth: invalid token")
)
