// Package memory keeps actors, revocations and articles in process memory.
// It backs development runs and tests.
package memory

import (
	"context"
	"sync"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
)

type state struct {
	actors   map[string]*auth.Actor
	revoked  map[string]auth.RevokedToken
	articles map[string]*articles.Article
}

func newState() *state {
	return &state{
		actors:   make(map[string]*auth.Actor),
		revoked:  make(map[string]auth.RevokedToken),
		articles: make(map[string]*articles.Article),
	}
}

func (st *state) clone() *state {
	cp := newState()
	for k, v := range st.actors {
		cp.actors[k] = copyActor(v)
	}
	for k, v := range st.revoked {
		cp.revoked[k] = v
	}
	for k, v := range st.articles {
		cp.articles[k] = copyArticle(v)
	}
	return cp
}

// Store implements auth.Store and exposes an articles.Store.
type Store struct {
	mu sync.RWMutex
	st *state
	// tx marks a transaction view; its parent holds the write lock.
	tx bool
}

var _ auth.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Actors(ctx context.Context) auth.ActorStore { return actorStore{s} }

func (s *Store) Revocations(ctx context.Context) auth.RevocationStore { return revocationStore{s} }

// Articles returns the article repository backed by the same state.
func (s *Store) Articles() articles.Store { return articleStore{s} }

// InTx runs fn on a private copy of the state and publishes it only when fn
// succeeds. Transactions are serialized; fn must only use the Store it is
// handed.
func (s *Store) InTx(ctx context.Context, fn func(auth.Store) error) error {
	if s.tx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	view := &Store{st: s.st.clone(), tx: true}
	if err := fn(view); err != nil {
		return err
	}
	s.st = view.st
	return nil
}

func (s *Store) read(fn func(st *state) error) error {
	if !s.tx {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	return fn(s.st)
}

func (s *Store) write(fn func(st *state) error) error {
	if !s.tx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

// Ping satisfies readiness probes.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func copyActor(a *auth.Actor) *auth.Actor {
	if a == nil {
		return nil
	}
	cp := *a
	if a.DeletedAt != nil {
		ts := *a.DeletedAt
		cp.DeletedAt = &ts
	}
	return &cp
}

func copyArticle(a *articles.Article) *articles.Article {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	if a.DeletedAt != nil {
		ts := *a.DeletedAt
		cp.DeletedAt = &ts
	}
	return &cp
}
