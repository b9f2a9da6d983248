package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"quillpress.org/internal/auth"
)

type actorStore struct{ s *Store }

func liveByEmail(st *state, email string) *auth.Actor {
	for _, a := range st.actors {
		if a.DeletedAt == nil && strings.EqualFold(a.Email, email) {
			return a
		}
	}
	return nil
}

func (r actorStore) Create(ctx context.Context, a *auth.Actor) error {
	return r.s.write(func(st *state) error {
		if _, ok := st.actors[a.ID]; ok {
			return auth.ErrConflict
		}
		if liveByEmail(st, a.Email) != nil {
			return auth.ErrConflict
		}
		st.actors[a.ID] = copyActor(a)
		return nil
	})
}

func (r actorStore) Find(ctx context.Context, id string) (*auth.Actor, error) {
	var out *auth.Actor
	err := r.s.read(func(st *state) error {
		a, ok := st.actors[id]
		if !ok || a.DeletedAt != nil {
			return auth.ErrNotFound
		}
		out = copyActor(a)
		return nil
	})
	return out, err
}

func (r actorStore) FindByEmail(ctx context.Context, email string) (*auth.Actor, error) {
	var out *auth.Actor
	err := r.s.read(func(st *state) error {
		a := liveByEmail(st, email)
		if a == nil {
			return auth.ErrNotFound
		}
		out = copyActor(a)
		return nil
	})
	return out, err
}

func (r actorStore) List(ctx context.Context) ([]*auth.Actor, error) {
	var out []*auth.Actor
	err := r.s.read(func(st *state) error {
		for _, a := range st.actors {
			if a.DeletedAt == nil {
				out = append(out, copyActor(a))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r actorStore) Update(ctx context.Context, id string, upd auth.ActorUpdate) (*auth.Actor, error) {
	var out *auth.Actor
	err := r.s.write(func(st *state) error {
		a, ok := st.actors[id]
		if !ok || a.DeletedAt != nil {
			return auth.ErrNotFound
		}
		if upd.Email != nil {
			if other := liveByEmail(st, *upd.Email); other != nil && other.ID != id {
				return auth.ErrConflict
			}
			a.Email = *upd.Email
		}
		if upd.Username != nil {
			a.Username = *upd.Username
		}
		if upd.PasswordHash != nil {
			a.PasswordHash = *upd.PasswordHash
		}
		if upd.Role != nil {
			a.Role = *upd.Role
		}
		a.UpdatedAt = time.Now().UTC()
		out = copyActor(a)
		return nil
	})
	return out, err
}

func (r actorStore) SetTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	return r.s.write(func(st *state) error {
		a, ok := st.actors[id]
		if !ok || a.DeletedAt != nil {
			return auth.ErrNotFound
		}
		a.AccessToken = accessToken
		a.RefreshToken = refreshToken
		a.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (r actorStore) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*auth.Actor, error) {
	var out *auth.Actor
	err := r.s.write(func(st *state) error {
		if refreshToken == "" {
			return auth.ErrNotFound
		}
		for _, a := range st.actors {
			if a.DeletedAt != nil || a.RefreshToken != refreshToken {
				continue
			}
			out = copyActor(a)
			a.RefreshToken = ""
			a.UpdatedAt = time.Now().UTC()
			return nil
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (r actorStore) SoftDelete(ctx context.Context, id string) error {
	return r.s.write(func(st *state) error {
		a, ok := st.actors[id]
		if !ok || a.DeletedAt != nil {
			return auth.ErrNotFound
		}
		now := time.Now().UTC()
		a.DeletedAt = &now
		a.AccessToken = ""
		a.RefreshToken = ""
		return nil
	})
}

type revocationStore struct{ s *Store }

func (r revocationStore) Add(ctx context.Context, tok auth.RevokedToken) error {
	return r.s.write(func(st *state) error {
		if _, ok := st.revoked[tok.TokenID]; !ok {
			st.revoked[tok.TokenID] = tok
		}
		return nil
	})
}

func (r revocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var found bool
	err := r.s.read(func(st *state) error {
		_, found = st.revoked[tokenID]
		return nil
	})
	return found, err
}

func (r revocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.s.write(func(st *state) error {
		for k, v := range st.revoked {
			if v.ExpiresAt.Before(now) {
				delete(st.revoked, k)
				n++
			}
		}
		return nil
	})
	return n, err
}
