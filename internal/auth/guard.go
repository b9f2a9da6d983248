package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"quillpress.org/internal/policy"
)

// State is a step of the per-request authorization pipeline.
type State int

const (
	StateUnauthenticated State = iota
	StateTokenVerified
	StateActorLoaded
	StateRuleSetBuilt
	StateDecided
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateTokenVerified:
		return "token_verified"
	case StateActorLoaded:
		return "actor_loaded"
	case StateRuleSetBuilt:
		return "ruleset_built"
	case StateDecided:
		return "decided"
	default:
		return "unknown"
	}
}

// Decision is the result of guarding one request. Handlers receive it by
// value and use Rules for instance-level checks.
type Decision struct {
	State  State
	Actor  *Actor
	Token  string
	Claims *Claims
	Rules  policy.RuleSet
}

// Authenticated reports whether an actor was resolved.
func (d Decision) Authenticated() bool { return d.Actor != nil }

// ActorID returns the resolved actor's id or "".
func (d Decision) ActorID() string {
	if d.Actor == nil {
		return ""
	}
	return d.Actor.ID
}

// Anonymous is the decision for requests without usable credentials.
func Anonymous() Decision {
	return Decision{State: StateUnauthenticated, Rules: policy.NewRuleSet("")}
}

// DecisionObserver receives the outcome label of every guard decision.
type DecisionObserver interface {
	ObserveDecision(outcome string)
}

// Guard resolves bearer tokens into decisions.
type Guard struct {
	store       Store
	tokens      *Issuer
	revocations *Revocations
	log         *zap.Logger
	observer    DecisionObserver
}

// GuardOption configures Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger for denials.
func WithGuardLogger(log *zap.Logger) GuardOption {
	return func(g *Guard) {
		if log != nil {
			g.log = log
		}
	}
}

// WithDecisionObserver records decision outcomes, e.g. as metrics.
func WithDecisionObserver(o DecisionObserver) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// NewGuard constructs a Guard.
func NewGuard(store Store, tokens *Issuer, revocations *Revocations, opts ...GuardOption) *Guard {
	g := &Guard{
		store:       store,
		tokens:      tokens,
		revocations: revocations,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Require authenticates the bearer token and checks every requirement.
// Authentication failures return ErrUnauthenticated; a failed requirement
// returns *policy.DeniedError. Other errors come from storage.
func (g *Guard) Require(ctx context.Context, token string, reqs ...policy.Requirement) (Decision, error) {
	d, err := g.authenticate(ctx, token)
	if err != nil {
		g.observe("unauthenticated", err)
		return Anonymous(), err
	}
	d.State = StateDecided
	if err := d.Rules.AuthorizeAll(reqs...); err != nil {
		var denied *policy.DeniedError
		if errors.As(err, &denied) {
			g.log.Info("authorization denied",
				zap.String("actor_id", d.Actor.ID),
				zap.String("role", string(d.Actor.Role)),
				zap.String("action", string(denied.Action)),
				zap.String("subject", string(denied.Subject)),
				zap.String("reason", denied.Reason),
			)
		}
		g.observe("forbidden", nil)
		return d, err
	}
	g.observe("allowed", nil)
	return d, nil
}

// Optional resolves the token if one is present and usable. Missing or
// invalid credentials yield an anonymous decision instead of an error.
func (g *Guard) Optional(ctx context.Context, token string) (Decision, error) {
	if strings.TrimSpace(token) == "" {
		g.observe("anonymous", nil)
		return Anonymous(), nil
	}
	d, err := g.authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			g.observe("anonymous", nil)
			return Anonymous(), nil
		}
		g.observe("error", err)
		return Anonymous(), err
	}
	d.State = StateDecided
	g.observe("allowed", nil)
	return d, nil
}

func (g *Guard) authenticate(ctx context.Context, token string) (Decision, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Decision{}, ErrUnauthenticated
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		g.log.Debug("token rejected", zap.Error(err))
		return Decision{}, ErrUnauthenticated
	}
	if claims.Type != TokenAccess {
		return Decision{}, ErrUnauthenticated
	}
	d := Decision{State: StateTokenVerified, Token: token, Claims: claims}

	revoked, err := g.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Decision{}, err
	}
	if revoked {
		return Decision{}, ErrUnauthenticated
	}

	actor, err := g.store.Actors(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Decision{}, ErrUnauthenticated
		}
		return Decision{}, err
	}
	if actor.Deleted() {
		return Decision{}, ErrUnauthenticated
	}
	d.Actor = actor
	d.State = StateActorLoaded

	d.Rules = policy.Build(policy.Actor{ID: actor.ID, Role: actor.Role})
	d.State = StateRuleSetBuilt
	return d, nil
}

func (g *Guard) observe(outcome string, err error) {
	if err != nil && !errors.Is(err, ErrUnauthenticated) {
		g.log.Error("authorization failed", zap.Error(err))
	}
	if g.observer != nil {
		g.observer.ObserveDecision(outcome)
	}
}
