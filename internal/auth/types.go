package auth

import (
	"time"

	"quillpress.org/internal/policy"
)

// Actor is an authenticated principal. Actors are soft-deleted only.
type Actor struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	Username     string      `json:"username"`
	PasswordHash string      `json:"-"`
	Role         policy.Role `json:"role"`
	AccessToken  string      `json:"-"`
	RefreshToken string      `json:"-"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	DeletedAt    *time.Time  `json:"deleted_at,omitempty"`
}

// Deleted reports whether the actor was soft-deleted.
func (a *Actor) Deleted() bool { return a != nil && a.DeletedAt != nil }

// SubjectType lets actors be checked as policy resources.
func (a Actor) SubjectType() policy.Subject { return policy.SubjectUsers }

// OwnerID makes an actor the owner of its own record.
func (a Actor) OwnerID() string { return a.ID }

// ActorUpdate carries optional field changes. Nil fields are left untouched.
type ActorUpdate struct {
	Email        *string
	Username     *string
	PasswordHash *string
	Role         *policy.Role
}

// Empty reports whether the update changes nothing.
func (u ActorUpdate) Empty() bool {
	return u.Email == nil && u.Username == nil && u.PasswordHash == nil && u.Role == nil
}

// TokenPair is an access token and its paired refresh token.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RevokedToken is a denylist entry keyed by the token's jti claim.
// ExpiresAt is copied from the token's exp claim.
type RevokedToken struct {
	TokenID   string
	ExpiresAt time.Time
	RevokedAt time.Time
}

// Ack is returned by operations whose effect completes asynchronously.
type Ack struct {
	Message string `json:"message"`
}
