package memory

import (
	"context"
	"sort"
	"time"

	"quillpress.org/internal/articles"
)

type articleStore struct{ s *Store }

func (r articleStore) Create(ctx context.Context, a *articles.Article) error {
	return r.s.write(func(st *state) error {
		st.articles[a.ID] = copyArticle(a)
		return nil
	})
}

func (r articleStore) Find(ctx context.Context, id string) (*articles.Article, error) {
	var out *articles.Article
	err := r.s.read(func(st *state) error {
		a, ok := st.articles[id]
		if !ok || a.DeletedAt != nil {
			return articles.ErrNotFound
		}
		out = copyArticle(a)
		return nil
	})
	return out, err
}

func (r articleStore) List(ctx context.Context, f articles.Filter) ([]*articles.Article, error) {
	out := []*articles.Article{}
	err := r.s.read(func(st *state) error {
		for _, a := range st.articles {
			if a.DeletedAt == nil && f.Match(a) {
				out = append(out, copyArticle(a))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r articleStore) Update(ctx context.Context, id string, upd articles.Update, at time.Time) (*articles.Article, error) {
	var out *articles.Article
	err := r.s.write(func(st *state) error {
		a, ok := st.articles[id]
		if !ok || a.DeletedAt != nil {
			return articles.ErrNotFound
		}
		upd.Apply(a)
		a.UpdatedAt = at
		out = copyArticle(a)
		return nil
	})
	return out, err
}

func (r articleStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.s.write(func(st *state) error {
		a, ok := st.articles[id]
		if !ok || a.DeletedAt != nil {
			return articles.ErrNotFound
		}
		a.DeletedAt = &at
		return nil
	})
}
