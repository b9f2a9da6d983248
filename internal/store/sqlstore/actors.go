package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"quillpress.org/internal/auth"
	"quillpress.org/internal/policy"
)

const actorColumns = `id, email, username, password_hash, role, access_token, refresh_token, created_at, updated_at, deleted_at`

type actorRow struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	Username     string     `db:"username"`
	PasswordHash string     `db:"password_hash"`
	Role         string     `db:"role"`
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

func (r actorRow) actor() *auth.Actor {
	return &auth.Actor{
		ID:           r.ID,
		Email:        r.Email,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         policy.Role(r.Role),
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		DeletedAt:    r.DeletedAt,
	}
}

type actorRepo struct{ s *Store }

func (r actorRepo) Create(ctx context.Context, a *auth.Actor) error {
	_, err := r.s.exec(ctx, `
		insert into actors (id, email, username, password_hash, role, access_token, refresh_token, created_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.Username, a.PasswordHash, string(a.Role), a.AccessToken, a.RefreshToken,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (r actorRepo) get(ctx context.Context, where string, args ...any) (*auth.Actor, error) {
	var row actorRow
	q := `select ` + actorColumns + ` from actors where deleted_at is null and ` + where
	if err := sqlx.GetContext(ctx, r.s.q, &row, r.s.rebind(q), args...); err != nil {
		return nil, notFound(err, auth.ErrNotFound)
	}
	return row.actor(), nil
}

func (r actorRepo) Find(ctx context.Context, id string) (*auth.Actor, error) {
	return r.get(ctx, `id = ?`, id)
}

func (r actorRepo) FindByEmail(ctx context.Context, email string) (*auth.Actor, error) {
	return r.get(ctx, `lower(email) = lower(?)`, email)
}

func (r actorRepo) List(ctx context.Context) ([]*auth.Actor, error) {
	var rows []actorRow
	q := `select ` + actorColumns + ` from actors where deleted_at is null order by id`
	if err := sqlx.SelectContext(ctx, r.s.q, &rows, q); err != nil {
		return nil, err
	}
	out := make([]*auth.Actor, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.actor())
	}
	return out, nil
}

func (r actorRepo) Update(ctx context.Context, id string, upd auth.ActorUpdate) (*auth.Actor, error) {
	var (
		sets []string
		args []any
	)
	if upd.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *upd.Email)
	}
	if upd.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *upd.Username)
	}
	if upd.PasswordHash != nil {
		sets = append(sets, "password_hash = ?")
		args = append(args, *upd.PasswordHash)
	}
	if upd.Role != nil {
		sets = append(sets, "role = ?")
		args = append(args, string(*upd.Role))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, r.s.timestamp(), id)

	n, err := r.s.exec(ctx, `update actors set `+strings.Join(sets, ", ")+` where id = ? and deleted_at is null`, args...)
	if isUniqueViolation(err) {
		return nil, auth.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, auth.ErrNotFound
	}
	return r.Find(ctx, id)
}

func (r actorRepo) SetTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	n, err := r.s.exec(ctx, `
		update actors set access_token = ?, refresh_token = ?, updated_at = ?
		where id = ? and deleted_at is null`,
		accessToken, refreshToken, r.s.timestamp(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// ConsumeRefreshToken reads the owner, then clears the token with a
// conditional update. Concurrent consumers race on the update and only the
// one that changes a row wins.
func (r actorRepo) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*auth.Actor, error) {
	if refreshToken == "" {
		return nil, auth.ErrNotFound
	}
	actor, err := r.get(ctx, `refresh_token = ?`, refreshToken)
	if err != nil {
		return nil, err
	}
	n, err := r.s.exec(ctx, `
		update actors set refresh_token = '', updated_at = ?
		where id = ? and refresh_token = ? and deleted_at is null`,
		r.s.timestamp(), actor.ID, refreshToken)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, auth.ErrNotFound
	}
	return actor, nil
}

func (r actorRepo) SoftDelete(ctx context.Context, id string) error {
	now := r.s.timestamp()
	n, err := r.s.exec(ctx, `
		update actors set deleted_at = ?, updated_at = ?, access_token = '', refresh_token = ''
		where id = ? and deleted_at is null`,
		now, now, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type revocationRepo struct{ s *Store }

func (r revocationRepo) Add(ctx context.Context, tok auth.RevokedToken) error {
	revokedAt := tok.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = r.s.timestamp()
	}
	_, err := r.s.exec(ctx, `
		insert into revoked_tokens (token_id, expires_at, revoked_at)
		values (?, ?, ?)
		on conflict (token_id) do nothing`,
		tok.TokenID, tok.ExpiresAt.UTC(), revokedAt.UTC())
	return err
}

func (r revocationRepo) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, r.s.q, &n, r.s.rebind(`select count(*) from revoked_tokens where token_id = ?`), tokenID)
	return n > 0, err
}

func (r revocationRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.s.exec(ctx, `delete from revoked_tokens where expires_at < ?`, now.UTC())
}
