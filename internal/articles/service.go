package articles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"quillpress.org/internal/audit"
	"quillpress.org/internal/auth"
	"quillpress.org/internal/ids"
	"quillpress.org/internal/policy"
)

const (
	minTitleLen = 2
	maxTitleLen = 100
	maxBodyLen  = 1000
)

// Service applies visibility and ownership rules on top of a Store.
type Service struct {
	store Store
	audit *audit.Logger
	log   *zap.Logger
	now   func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithAudit records article mutations.
func WithAudit(l *audit.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("articles: store is required")
	}
	s := &Service{store: store, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create stores a new article authored by the deciding actor.
func (s *Service) Create(ctx context.Context, d auth.Decision, in Input) (*Article, error) {
	if !d.Authenticated() {
		return nil, auth.ErrUnauthenticated
	}
	if err := d.Rules.Authorize(policy.ActionCreate, policy.SubjectArticles); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if err := validate(title, in.Body); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a := &Article{
		ID:          ids.New(),
		Title:       title,
		Body:        in.Body,
		Tags:        normalizeTags(in.Tags),
		AuthorID:    d.Actor.ID,
		IsPublished: in.IsPublished,
		IsPublic:    in.IsPublic,
		IsDraft:     in.IsDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.record(ctx, "articles.create", d, a.ID)
	return a, nil
}

// List returns live articles. Anonymous readers only see public,
// published, non-draft ones.
func (s *Service) List(ctx context.Context, d auth.Decision, tags []string) ([]*Article, error) {
	return s.store.List(ctx, Filter{
		Tags:        normalizeTags(tags),
		VisibleOnly: !d.Authenticated(),
	})
}

// Get returns one article. Anonymous readers get ErrNotFound for articles
// that are not public or not published.
func (s *Service) Get(ctx context.Context, d auth.Decision, id string) (*Article, error) {
	a, err := s.store.Find(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if !d.Authenticated() && (!a.IsPublic || !a.IsPublished) {
		return nil, ErrNotFound
	}
	return a, nil
}

// Update modifies an article the actor is allowed to update.
func (s *Service) Update(ctx context.Context, d auth.Decision, id string, upd Update) (*Article, error) {
	a, err := s.store.Find(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if err := d.Rules.AuthorizeResource(policy.ActionUpdate, *a); err != nil {
		s.denied(ctx, d, a.ID, err)
		return nil, err
	}
	if upd.Title != nil {
		title := strings.TrimSpace(*upd.Title)
		upd.Title = &title
	}
	next := *a
	upd.Apply(&next)
	if err := validate(next.Title, next.Body); err != nil {
		return nil, err
	}
	if upd.Tags != nil {
		tags := normalizeTags(*upd.Tags)
		upd.Tags = &tags
	}
	updated, err := s.store.Update(ctx, a.ID, upd, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.record(ctx, "articles.update", d, a.ID)
	return updated, nil
}

// Delete soft-deletes an article the actor is allowed to delete.
func (s *Service) Delete(ctx context.Context, d auth.Decision, id string) error {
	a, err := s.store.Find(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if err := d.Rules.AuthorizeResource(policy.ActionDelete, *a); err != nil {
		s.denied(ctx, d, a.ID, err)
		return err
	}
	if err := s.store.SoftDelete(ctx, a.ID, s.now().UTC()); err != nil {
		return err
	}
	s.record(ctx, "articles.delete", d, a.ID)
	return nil
}

func (s *Service) denied(ctx context.Context, d auth.Decision, articleID string, err error) {
	s.log.Info("article access denied",
		zap.String("actor_id", d.ActorID()),
		zap.String("article_id", articleID),
		zap.Error(err),
	)
	s.record(ctx, "auth.forbidden", d, articleID)
}

func (s *Service) record(ctx context.Context, event string, d auth.Decision, articleID string) {
	err := s.audit.LogEvent(ctx, event, map[string]any{"actor_id": d.ActorID(), "article_id": articleID})
	if err != nil {
		s.log.Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}

func validate(title, body string) error {
	n := len([]rune(title))
	if n < minTitleLen || n > maxTitleLen {
		return fmt.Errorf("%w: title must be %d-%d characters", ErrInvalidInput, minTitleLen, maxTitleLen)
	}
	if len([]rune(body)) > maxBodyLen {
		return fmt.Errorf("%w: body exceeds %d characters", ErrInvalidInput, maxBodyLen)
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
