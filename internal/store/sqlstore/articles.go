package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"quillpress.org/internal/articles"
)

const articleColumns = `id, title, body, tags, author_id, is_published, is_public, is_draft, created_at, updated_at, deleted_at`

type articleRow struct {
	ID          string     `db:"id"`
	Title       string     `db:"title"`
	Body        string     `db:"body"`
	Tags        string     `db:"tags"`
	AuthorID    string     `db:"author_id"`
	IsPublished bool       `db:"is_published"`
	IsPublic    bool       `db:"is_public"`
	IsDraft     bool       `db:"is_draft"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

func (r articleRow) article() (*articles.Article, error) {
	a := &articles.Article{
		ID:          r.ID,
		Title:       r.Title,
		Body:        r.Body,
		AuthorID:    r.AuthorID,
		IsPublished: r.IsPublished,
		IsPublic:    r.IsPublic,
		IsDraft:     r.IsDraft,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		DeletedAt:   r.DeletedAt,
	}
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &a.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of article %s: %w", r.ID, err)
		}
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	return string(b), err
}

type articleRepo struct{ s *Store }

func (r articleRepo) Create(ctx context.Context, a *articles.Article) error {
	tags, err := encodeTags(a.Tags)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx, `
		insert into articles (id, title, body, tags, author_id, is_published, is_public, is_draft, created_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Body, tags, a.AuthorID, a.IsPublished, a.IsPublic, a.IsDraft,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	return err
}

func (r articleRepo) Find(ctx context.Context, id string) (*articles.Article, error) {
	var row articleRow
	q := `select ` + articleColumns + ` from articles where id = ? and deleted_at is null`
	if err := sqlx.GetContext(ctx, r.s.q, &row, r.s.rebind(q), id); err != nil {
		return nil, notFound(err, articles.ErrNotFound)
	}
	return row.article()
}

// List applies visibility in SQL and the tag filter in Go, since tags are
// stored as a JSON array.
func (r articleRepo) List(ctx context.Context, f articles.Filter) ([]*articles.Article, error) {
	q := `select ` + articleColumns + ` from articles where deleted_at is null`
	var args []any
	if f.VisibleOnly {
		q += ` and is_public = ? and is_published = ? and is_draft = ?`
		args = append(args, true, true, false)
	}
	q += ` order by id`

	var rows []articleRow
	if err := sqlx.SelectContext(ctx, r.s.q, &rows, r.s.rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*articles.Article, 0, len(rows))
	for _, row := range rows {
		a, err := row.article()
		if err != nil {
			return nil, err
		}
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r articleRepo) Update(ctx context.Context, id string, upd articles.Update, at time.Time) (*articles.Article, error) {
	current, err := r.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	upd.Apply(current)
	tags, err := encodeTags(current.Tags)
	if err != nil {
		return nil, err
	}
	n, err := r.s.exec(ctx, `
		update articles
		set title = ?, body = ?, tags = ?, is_published = ?, is_public = ?, is_draft = ?, updated_at = ?
		where id = ? and deleted_at is null`,
		current.Title, current.Body, tags, current.IsPublished, current.IsPublic, current.IsDraft, at.UTC(), id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, articles.ErrNotFound
	}
	current.UpdatedAt = at.UTC()
	return current, nil
}

func (r articleRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	n, err := r.s.exec(ctx, `update articles set deleted_at = ? where id = ? and deleted_at is null`, at.UTC(), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return articles.ErrNotFound
	}
	return nil
}
