package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
	"quillpress.org/internal/migrate"
	"quillpress.org/internal/policy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	mgr, err := migrate.NewManager(s.DB(), migrate.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, mgr.Up(ctx))
	return s
}

func newActor(id, email string) *auth.Actor {
	now := time.Now().UTC()
	return &auth.Actor{
		ID:           id,
		Email:        email,
		Username:     "writer",
		PasswordHash: "hash",
		Role:         policy.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN(":memory:")
	require.Contains(t, dsn, "_time_format=sqlite")
	require.Contains(t, dsn, "foreign_keys")
	require.Equal(t, "file:x.db?_pragma=foreign_keys%280%29&_time_format=sqlite", sqliteDSN("file:x.db?_pragma=foreign_keys(0)"))
}

func TestActorCreateFindConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	actors := s.Actors(ctx)

	require.NoError(t, actors.Create(ctx, newActor("a1", "a@x.com")))
	require.ErrorIs(t, actors.Create(ctx, newActor("a2", "A@x.com")), auth.ErrConflict)
	require.ErrorIs(t, actors.Create(ctx, newActor("a1", "other@x.com")), auth.ErrConflict)

	got, err := actors.FindByEmail(ctx, "A@X.COM")
	require.NoError(t, err)
	require.Equal(t, "a1", got.ID)
	require.Equal(t, policy.RoleUser, got.Role)
	require.Nil(t, got.DeletedAt)

	_, err = actors.Find(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestActorUpdateAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	actors := s.Actors(ctx)
	require.NoError(t, actors.Create(ctx, newActor("a1", "a@x.com")))
	require.NoError(t, actors.Create(ctx, newActor("a2", "b@x.com")))

	name := "renamed"
	role := policy.RoleAdmin
	updated, err := actors.Update(ctx, "a1", auth.ActorUpdate{Username: &name, Role: &role})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Username)
	require.Equal(t, policy.RoleAdmin, updated.Role)

	email := "b@x.com"
	_, err = actors.Update(ctx, "a1", auth.ActorUpdate{Email: &email})
	require.ErrorIs(t, err, auth.ErrConflict)

	require.NoError(t, actors.SetTokens(ctx, "a2", "acc", "ref"))
	require.NoError(t, actors.SoftDelete(ctx, "a2"))
	require.ErrorIs(t, actors.SoftDelete(ctx, "a2"), auth.ErrNotFound)
	_, err = actors.Find(ctx, "a2")
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = actors.ConsumeRefreshToken(ctx, "ref")
	require.ErrorIs(t, err, auth.ErrNotFound)

	list, err := actors.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, actors.Create(ctx, newActor("a3", "b@x.com")), "email of a deleted actor is reusable")
}

func TestConsumeRefreshTokenOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	actors := s.Actors(ctx)
	require.NoError(t, actors.Create(ctx, newActor("a1", "a@x.com")))
	require.NoError(t, actors.SetTokens(ctx, "a1", "acc", "ref"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := actors.ConsumeRefreshToken(ctx, "ref")
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				if a.RefreshToken != "ref" || a.AccessToken != "acc" {
					t.Errorf("expected pre-clear copy, got %+v", a)
				}
				return
			}
			if !errors.Is(err, auth.ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)

	got, err := actors.Find(ctx, "a1")
	require.NoError(t, err)
	require.Empty(t, got.RefreshToken)
	require.Equal(t, "acc", got.AccessToken)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx auth.Store) error {
		if err := tx.Actors(ctx).Create(ctx, newActor("a1", "a@x.com")); err != nil {
			return err
		}
		return tx.InTx(ctx, func(inner auth.Store) error {
			if err := inner.Revocations(ctx).Add(ctx, auth.RevokedToken{TokenID: "d", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
				return err
			}
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Actors(ctx).Find(ctx, "a1")
	require.ErrorIs(t, err, auth.ErrNotFound)
	revoked, err := s.Revocations(ctx).IsRevoked(ctx, "d")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, s.InTx(ctx, func(tx auth.Store) error {
		return tx.Actors(ctx).Create(ctx, newActor("a1", "a@x.com"))
	}))
	_, err = s.Actors(ctx).Find(ctx, "a1")
	require.NoError(t, err)
}

func TestRevocations(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rev := s.Revocations(ctx)
	now := time.Now().UTC()

	require.NoError(t, rev.Add(ctx, auth.RevokedToken{TokenID: "live", ExpiresAt: now.Add(time.Hour), RevokedAt: now}))
	require.NoError(t, rev.Add(ctx, auth.RevokedToken{TokenID: "live", ExpiresAt: now.Add(time.Hour), RevokedAt: now}))
	require.NoError(t, rev.Add(ctx, auth.RevokedToken{TokenID: "old", ExpiresAt: now.Add(-time.Minute), RevokedAt: now.Add(-time.Hour)}))

	n, err := rev.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	ok, err := rev.IsRevoked(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = rev.IsRevoked(ctx, "old")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArticles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Actors(ctx).Create(ctx, newActor("u1", "a@x.com")))
	repo := s.Articles()
	now := time.Now().UTC()

	public := &articles.Article{ID: "01A", Title: "Public", Tags: []string{"go", "sql"}, AuthorID: "u1", IsPublic: true, IsPublished: true, CreatedAt: now, UpdatedAt: now}
	draft := &articles.Article{ID: "01B", Title: "Draft", AuthorID: "u1", IsPublic: true, IsPublished: true, IsDraft: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.Create(ctx, public))
	require.NoError(t, repo.Create(ctx, draft))
	require.Error(t, repo.Create(ctx, &articles.Article{ID: "01C", Title: "Orphan", AuthorID: "nobody", CreatedAt: now, UpdatedAt: now}))

	got, err := repo.Find(ctx, "01A")
	require.NoError(t, err)
	require.Equal(t, []string{"go", "sql"}, got.Tags)
	require.True(t, got.IsPublic)

	visible, err := repo.List(ctx, articles.Filter{VisibleOnly: true})
	require.NoError(t, err)
	require.Len(t, visible, 1)

	tagged, err := repo.List(ctx, articles.Filter{Tags: []string{"sql"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	require.Equal(t, "01A", tagged[0].ID)

	draftOff := false
	title := "Now public"
	updated, err := repo.Update(ctx, "01B", articles.Update{IsDraft: &draftOff, Title: &title}, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "Now public", updated.Title)
	require.False(t, updated.IsDraft)

	visible, err = repo.List(ctx, articles.Filter{VisibleOnly: true})
	require.NoError(t, err)
	require.Len(t, visible, 2)

	require.NoError(t, repo.SoftDelete(ctx, "01A", now))
	require.ErrorIs(t, repo.SoftDelete(ctx, "01A", now), articles.ErrNotFound)
	_, err = repo.Find(ctx, "01A")
	require.ErrorIs(t, err, articles.ErrNotFound)
	_, err = repo.Update(ctx, "01A", articles.Update{Title: &title}, now)
	require.ErrorIs(t, err, articles.ErrNotFound)
}
