package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Actors(ctx context.Context) ActorStore
	Revocations(ctx context.Context) RevocationStore
	// InTx runs fn against a transactional view of the store. Any error
	// returned by fn rolls back every write made through that view.
	InTx(ctx context.Context, fn func(Store) error) error
}

// ActorStore manages actors. Lookups ignore soft-deleted rows and return
// ErrNotFound when nothing matches.
type ActorStore interface {
	Create(ctx context.Context, a *Actor) error
	Find(ctx context.Context, id string) (*Actor, error)
	FindByEmail(ctx context.Context, email string) (*Actor, error)
	List(ctx context.Context) ([]*Actor, error)
	Update(ctx context.Context, id string, upd ActorUpdate) (*Actor, error)
	// SetTokens persists the current token pair. Empty strings clear them.
	SetTokens(ctx context.Context, id, accessToken, refreshToken string) error
	// ConsumeRefreshToken clears the refresh token only if it is still the
	// one stored and returns the actor as it was before clearing. Exactly
	// one concurrent caller succeeds; the others get ErrNotFound.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*Actor, error)
	SoftDelete(ctx context.Context, id string) error
}

// RevocationStore manages revoked token ids.
type RevocationStore interface {
	// Add is idempotent on the token id.
	Add(ctx context.Context, tok RevokedToken) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
