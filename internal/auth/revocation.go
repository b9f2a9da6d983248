package auth

import (
	"context"
	"time"
)

// Revocations records logged-out tokens until they would have expired anyway.
// Entries are keyed by the jti claim, so only a token that verifies can be
// revoked or matched.
type Revocations struct {
	store  Store
	tokens *Issuer
	now    func() time.Time
}

// NewRevocations wires the revocation list to storage and the issuer that
// checks token signatures.
func NewRevocations(store Store, tokens *Issuer) *Revocations {
	return &Revocations{store: store, tokens: tokens, now: time.Now}
}

// Add revokes the token. Re-adding is a no-op. Expired tokens are accepted.
func (r *Revocations) Add(ctx context.Context, raw string) error {
	claims, err := r.tokens.Inspect(raw)
	if err != nil {
		return err
	}
	return r.store.Revocations(ctx).Add(ctx, RevokedToken{
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		RevokedAt: r.now().UTC(),
	})
}

// IsRevoked reports whether the token with this jti was revoked.
func (r *Revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	return r.store.Revocations(ctx).IsRevoked(ctx, tokenID)
}

// Sweep purges entries whose tokens have expired and returns how many were removed.
func (r *Revocations) Sweep(ctx context.Context) (int64, error) {
	return r.store.Revocations(ctx).PurgeExpired(ctx, r.now().UTC())
}
