package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"quillpress.org/internal/audit"
	"quillpress.org/internal/ids"
	mailer "quillpress.org/internal/mail"
	"quillpress.org/internal/policy"
)

const (
	defaultResetTTL = time.Hour

	minUsernameLen = 2
	maxUsernameLen = 30
	minPasswordLen = 6
)

// Service runs the credential lifecycle: sign-in, sign-up, refresh
// rotation, logout and password reset.
type Service struct {
	store       Store
	hasher      *Hasher
	tokens      *Issuer
	revocations *Revocations
	mailer      mailer.Sender
	audit       *audit.Logger
	log         *zap.Logger
	now         func() time.Time
	resetTTL    time.Duration
	resetURL    string
	dispatch    func(func())
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithMailer sets the outbound mail transport.
func WithMailer(m mailer.Sender) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// WithAuditLogger records security events.
func WithAuditLogger(l *audit.Logger) ServiceOption {
	return func(s *Service) error {
		s.audit = l
		return nil
	}
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithResetTTL configures how long password reset links stay valid.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithResetURL sets the link base embedded in reset mails.
func WithResetURL(u string) ServiceOption {
	return func(s *Service) error {
		s.resetURL = strings.TrimSpace(u)
		return nil
	}
}

// WithDispatcher replaces the goroutine launcher used for fire-and-forget mail.
func WithDispatcher(fn func(func())) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.dispatch = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, hasher *Hasher, tokens *Issuer, revocations *Revocations, opts ...ServiceOption) (*Service, error) {
	if store == nil || hasher == nil || tokens == nil || revocations == nil {
		return nil, errors.New("auth: store, hasher, issuer and revocations are required")
	}
	svc := &Service{
		store:       store,
		hasher:      hasher,
		tokens:      tokens,
		revocations: revocations,
		log:         zap.NewNop(),
		now:         time.Now,
		resetTTL:    defaultResetTTL,
		dispatch:    func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.mailer == nil {
		svc.mailer = mailer.NewLogSender(svc.log)
	}
	return svc, nil
}

// SignIn verifies credentials and issues a fresh token pair. Unknown email
// and wrong password are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, ErrUnauthenticated
	}
	actor, err := s.store.Actors(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrUnauthenticated
		}
		return TokenPair{}, err
	}
	ok, err := s.hasher.Verify(password, actor.PasswordHash)
	if err != nil {
		return TokenPair{}, err
	}
	if !ok {
		s.record(ctx, "auth.signin.failed", map[string]any{"actor_id": actor.ID})
		return TokenPair{}, ErrUnauthenticated
	}
	pair, err := s.issue(ctx, s.store, actor.ID)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, "auth.signin", map[string]any{"actor_id": actor.ID})
	return pair, nil
}

// SignUpInput is the registration payload.
type SignUpInput struct {
	Email    string
	Username string
	Password string
	Role     policy.Role
}

// SignUp registers an actor and issues its first token pair in one
// transaction. A duplicate live email returns ErrConflict and leaves no
// partial state.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Actor, TokenPair, error) {
	if in.Role != "" && in.Role != policy.RoleUser {
		return nil, TokenPair{}, fmt.Errorf("%w: role %q cannot be chosen at sign-up", ErrInvalidInput, in.Role)
	}
	in.Role = policy.RoleUser
	actor, err := s.newActor(in)
	if err != nil {
		return nil, TokenPair{}, err
	}

	var pair TokenPair
	err = s.store.InTx(ctx, func(tx Store) error {
		actors := tx.Actors(ctx)
		if _, err := actors.FindByEmail(ctx, actor.Email); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := actors.Create(ctx, actor); err != nil {
			return err
		}
		var err error
		pair, err = s.issue(ctx, tx, actor.ID)
		return err
	})
	if err != nil {
		return nil, TokenPair{}, err
	}
	actor.AccessToken = pair.AccessToken
	actor.RefreshToken = pair.RefreshToken
	s.record(ctx, "auth.signup", map[string]any{"actor_id": actor.ID})
	return actor, pair, nil
}

// Refresh rotates a refresh token. The presented token is consumed by a
// conditional update, so a second use fails with ErrUnauthenticated. The
// access token issued alongside the consumed refresh token is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken)
	if err != nil || claims.Type != TokenRefresh {
		return TokenPair{}, ErrUnauthenticated
	}
	actor, err := s.store.Actors(ctx).ConsumeRefreshToken(ctx, strings.TrimSpace(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.record(ctx, "auth.refresh.reused", map[string]any{"actor_id": claims.Subject})
			return TokenPair{}, ErrUnauthenticated
		}
		return TokenPair{}, err
	}
	if actor.ID != claims.Subject {
		return TokenPair{}, ErrUnauthenticated
	}
	if err := s.revokeIssued(ctx, actor.AccessToken); err != nil {
		return TokenPair{}, err
	}
	pair, err := s.issue(ctx, s.store, actor.ID)
	if err != nil {
		return TokenPair{}, err
	}
	s.record(ctx, "auth.refresh", map[string]any{"actor_id": actor.ID})
	return pair, nil
}

// Logout revokes the presented access token. Other tokens of the same
// actor stay valid until they expire.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	claims, err := s.tokens.Verify(accessToken)
	if err != nil || claims.Type != TokenAccess {
		return ErrUnauthenticated
	}
	if err := s.revocations.Add(ctx, accessToken); err != nil {
		return err
	}
	s.record(ctx, "auth.logout", map[string]any{"actor_id": claims.Subject})
	return nil
}

// RequestPasswordReset emails a reset link. The mail is sent in the
// background; the acknowledgment does not wait for delivery.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (Ack, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Ack{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	actor, err := s.store.Actors(ctx).FindByEmail(ctx, email)
	if err != nil {
		return Ack{}, err
	}
	token, err := s.resetToken(actor, s.now().Add(s.resetTTL))
	if err != nil {
		return Ack{}, err
	}
	msg, err := mailer.PasswordReset{
		Email:    actor.Email,
		Username: actor.Username,
		Token:    token,
		BaseURL:  s.resetURL,
		TTL:      s.resetTTL,
	}.Message()
	if err != nil {
		return Ack{}, err
	}

	actorID := actor.ID
	s.dispatch(func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.mailer.Send(sendCtx, msg); err != nil {
			s.log.Error("password reset mail failed", zap.String("actor_id", actorID), zap.Error(err))
		}
	})
	s.record(ctx, "auth.password_reset.requested", map[string]any{"actor_id": actor.ID})
	return Ack{Message: "password reset link sent to " + actor.Email}, nil
}

// ConfirmPasswordReset sets a new password from a reset token. The token
// is bound to the current password digest, so it works once.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	plain, err := s.hasher.Decrypt(strings.TrimSpace(token))
	if err != nil {
		return err
	}
	parts := strings.Split(plain, "|")
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed reset token", ErrIntegrity)
	}
	actorID, expRaw, fingerprint := parts[0], parts[1], parts[2]
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed reset token", ErrIntegrity)
	}
	if s.now().Unix() > exp {
		return ErrUnauthenticated
	}

	actors := s.store.Actors(ctx)
	actor, err := actors.Find(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return err
	}
	if passwordFingerprint(actor.PasswordHash) != fingerprint {
		return ErrUnauthenticated
	}
	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if _, err := actors.Update(ctx, actor.ID, ActorUpdate{PasswordHash: &digest}); err != nil {
		return err
	}
	if err := s.revokeIssued(ctx, actor.AccessToken); err != nil {
		return err
	}
	if err := actors.SetTokens(ctx, actor.ID, "", ""); err != nil {
		return err
	}
	s.record(ctx, "auth.password_reset.completed", map[string]any{"actor_id": actor.ID})
	return nil
}

// EnsureAdmin creates an ADMIN actor with the given credentials unless an
// actor with that email already exists.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*Actor, error) {
	email = normalizeEmail(email)
	actors := s.store.Actors(ctx)
	existing, err := actors.FindByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	actor, err := s.newActor(SignUpInput{Email: email, Username: "admin", Password: password, Role: policy.RoleAdmin})
	if err != nil {
		return nil, err
	}
	if err := actors.Create(ctx, actor); err != nil {
		if errors.Is(err, ErrConflict) {
			return actors.FindByEmail(ctx, email)
		}
		return nil, err
	}
	s.log.Info("admin actor seeded", zap.String("actor_id", actor.ID), zap.String("email", email))
	return actor, nil
}

func (s *Service) issue(ctx context.Context, store Store, actorID string) (TokenPair, error) {
	pair, err := s.tokens.IssuePair(actorID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := store.Actors(ctx).SetTokens(ctx, actorID, pair.AccessToken, pair.RefreshToken); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Service) newActor(in SignUpInput) (*Actor, error) {
	email := normalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	username := strings.TrimSpace(in.Username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	role := in.Role
	if role == "" {
		role = policy.RoleUser
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &Actor{
		ID:           ids.New(),
		Email:        email,
		Username:     username,
		PasswordHash: digest,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Service) resetToken(actor *Actor, exp time.Time) (string, error) {
	payload := strings.Join([]string{
		actor.ID,
		strconv.FormatInt(exp.Unix(), 10),
		passwordFingerprint(actor.PasswordHash),
	}, "|")
	return s.hasher.Encrypt(payload)
}

func (s *Service) record(ctx context.Context, event string, fields map[string]any) {
	if err := s.audit.LogEvent(ctx, event, fields); err != nil {
		s.log.Warn("audit event dropped", zap.String("event", event), zap.Error(err))
	}
}

// revokeIssued revokes a stored access token. Tokens that no longer verify,
// for example after a secret change, cannot authenticate and are skipped.
func (s *Service) revokeIssued(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	err := s.revocations.Add(ctx, accessToken)
	if errors.Is(err, ErrTokenMalformed) || errors.Is(err, ErrTokenSignature) {
		return nil
	}
	return err
}

func passwordFingerprint(digest string) string {
	sum := sha256.Sum256([]byte(digest))
	return hex.EncodeToString(sum[:8])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

func validateUsername(username string) error {
	n := len([]rune(username))
	if n < minUsernameLen || n > maxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsernameLen, maxUsernameLen)
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	return nil
}
