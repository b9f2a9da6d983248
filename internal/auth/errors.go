package auth

import (
	"errors"

	"quillpress.org/internal/policy"
)

var (
	// ErrUnauthenticated covers missing, malformed, expired, tampered or
	// revoked credentials and wrong passwords.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden is returned, wrapped in *policy.DeniedError, when a
	// permission check fails.
	ErrForbidden    = policy.ErrForbidden
	ErrConflict     = errors.New("auth: already exists")
	ErrNotFound     = errors.New("auth: not found")
	ErrIntegrity    = errors.New("auth: integrity check failed")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Token verification failures. Callers at the boundary collapse them into
// ErrUnauthenticated.
var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenSignature = errors.New("auth: token signature invalid")
	ErrTokenMalformed = errors.New("auth: token malformed")
)
