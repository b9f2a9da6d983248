package articles

import (
	"context"
	"errors"
	"time"

	"quillpress.org/internal/policy"
)

var (
	ErrNotFound     = errors.New("articles: not found")
	ErrInvalidInput = errors.New("articles: invalid input")
)

// Article is a piece of published or draft content.
type Article struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Tags        []string   `json:"tags"`
	AuthorID    string     `json:"author_id"`
	IsPublished bool       `json:"is_published"`
	IsPublic    bool       `json:"is_public"`
	IsDraft     bool       `json:"is_draft"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

func (a Article) SubjectType() policy.Subject { return policy.SubjectArticles }

func (a Article) OwnerID() string { return a.AuthorID }

// Visible reports whether anonymous readers may see the article.
func (a Article) Visible() bool {
	return a.IsPublic && a.IsPublished && !a.IsDraft
}

// Input is the creation payload.
type Input struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Tags        []string `json:"tags"`
	IsPublished bool     `json:"is_published"`
	IsPublic    bool     `json:"is_public"`
	IsDraft     bool     `json:"is_draft"`
}

// Update carries optional field changes.
type Update struct {
	Title       *string   `json:"title"`
	Body        *string   `json:"body"`
	Tags        *[]string `json:"tags"`
	IsPublished *bool     `json:"is_published"`
	IsPublic    *bool     `json:"is_public"`
	IsDraft     *bool     `json:"is_draft"`
}

// Apply copies the set fields of u onto a.
func (u Update) Apply(a *Article) {
	if u.Title != nil {
		a.Title = *u.Title
	}
	if u.Body != nil {
		a.Body = *u.Body
	}
	if u.Tags != nil {
		a.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.IsPublished != nil {
		a.IsPublished = *u.IsPublished
	}
	if u.IsPublic != nil {
		a.IsPublic = *u.IsPublic
	}
	if u.IsDraft != nil {
		a.IsDraft = *u.IsDraft
	}
}

// Filter narrows List. An article matches Tags when it has any of them.
type Filter struct {
	Tags        []string
	VisibleOnly bool
}

// Match reports whether a passes the filter.
func (f Filter) Match(a *Article) bool {
	if f.VisibleOnly && !a.Visible() {
		return false
	}
	if len(f.Tags) == 0 {
		return true
	}
	for _, want := range f.Tags {
		for _, have := range a.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Store persists articles. Lookups ignore soft-deleted rows.
type Store interface {
	Create(ctx context.Context, a *Article) error
	Find(ctx context.Context, id string) (*Article, error)
	List(ctx context.Context, f Filter) ([]*Article, error)
	Update(ctx context.Context, id string, upd Update, at time.Time) (*Article, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
}
