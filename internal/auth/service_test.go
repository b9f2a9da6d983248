package auth_test

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"quillpress.org/internal/audit"
	"quillpress.org/internal/auth"
	"quillpress.org/internal/mail"
	"quillpress.org/internal/migrate"
	"quillpress.org/internal/policy"
	"quillpress.org/internal/store/memory"
	"quillpress.org/internal/store/sqlstore"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (r *recordingSender) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingObserver) ObserveDecision(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

type fixture struct {
	store       *memory.Store
	issuer      *auth.Issuer
	hasher      *auth.Hasher
	revocations *auth.Revocations
	svc         *auth.Service
	guard       *auth.Guard
	mailer      *recordingSender
	observer    *countingObserver
	logs        *observer.ObservedLogs
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		mailer:   &recordingSender{},
		observer: &countingObserver{},
		now:      time.Now(),
	}
	clock := func() time.Time { return f.now }

	var err error
	f.issuer, err = auth.NewIssuer([]byte("test-secret"), auth.WithIssuerName("quillpress"), auth.WithIssuerClock(clock))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	f.hasher, err = auth.NewHasher(bytes.Repeat([]byte{3}, 32), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	f.revocations = auth.NewRevocations(f.store, f.issuer)

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	logger := zap.New(core)

	f.svc, err = auth.NewService(f.store, f.hasher, f.issuer, f.revocations,
		auth.WithMailer(f.mailer),
		auth.WithLogger(logger),
		auth.WithAuditLogger(audit.New(logger)),
		auth.WithClock(clock),
		auth.WithResetURL("https://quill.example/reset"),
		auth.WithDispatcher(func(fn func()) { fn() }),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.guard = auth.NewGuard(f.store, f.issuer, f.revocations,
		auth.WithGuardLogger(logger),
		auth.WithDecisionObserver(f.observer),
	)
	return f
}

func (f *fixture) signUp(t *testing.T, email string) (*auth.Actor, auth.TokenPair) {
	t.Helper()
	actor, pair, err := f.svc.SignUp(context.Background(), auth.SignUpInput{Email: email, Username: "writer", Password: "password1"})
	if err != nil {
		t.Fatalf("SignUp(%s): %v", email, err)
	}
	return actor, pair
}

func openSQLiteStore(t *testing.T) auth.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	mgr, err := migrate.NewManager(s.DB(), migrate.DialectSQLite)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Up(ctx); err != nil {
		t.Fatalf("Up: %v", err)
	}
	return s
}

func TestConcurrentSignUpSameEmail(t *testing.T) {
	stores := map[string]func(*testing.T) auth.Store{
		"memory": func(*testing.T) auth.Store { return memory.New() },
		"sqlite": openSQLiteStore,
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			store := open(t)
			svc, err := auth.NewService(store, f.hasher, f.issuer, auth.NewRevocations(store, f.issuer))
			if err != nil {
				t.Fatalf("NewService: %v", err)
			}

			const callers = 8
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _, errs[i] = svc.SignUp(ctx, auth.SignUpInput{Email: "race@x.com", Username: "racer", Password: "password1"})
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				switch {
				case err == nil:
					succeeded++
				case !errors.Is(err, auth.ErrConflict):
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if succeeded != 1 {
				t.Fatalf("expected exactly one successful sign-up, got %d", succeeded)
			}
			live, err := store.Actors(ctx).List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(live) != 1 {
				t.Fatalf("expected one live actor, got %d", len(live))
			}
		})
	}
}

func TestSignUpThenDuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	actor, pair := f.signUp(t, "a@x.com")
	if actor.Role != policy.RoleUser {
		t.Fatalf("expected USER role, got %s", actor.Role)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected tokens on sign-up")
	}

	_, _, err := f.svc.SignUp(ctx, auth.SignUpInput{Email: " A@X.com ", Username: "dup", Password: "password1"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	list, err := f.store.Actors(ctx).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one actor, got %d", len(list))
	}
	stored, err := f.store.Actors(ctx).Find(ctx, actor.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.RefreshToken != pair.RefreshToken || stored.AccessToken != pair.AccessToken {
		t.Fatal("expected token pair persisted on the actor")
	}
}

func TestSignUpValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]auth.SignUpInput{
		"bad email":      {Email: "nope", Username: "writer", Password: "password1"},
		"short name":     {Email: "b@x.com", Username: "w", Password: "password1"},
		"short password": {Email: "b@x.com", Username: "writer", Password: "123"},
		"admin role":     {Email: "b@x.com", Username: "writer", Password: "password1", Role: policy.RoleAdmin},
	}
	for name, in := range cases {
		if _, _, err := f.svc.SignUp(ctx, in); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

type tokenFailingStore struct{ auth.Store }

func (f tokenFailingStore) Actors(ctx context.Context) auth.ActorStore {
	return tokenFailingActors{f.Store.Actors(ctx)}
}

func (f tokenFailingStore) InTx(ctx context.Context, fn func(auth.Store) error) error {
	return f.Store.InTx(ctx, func(tx auth.Store) error { return fn(tokenFailingStore{tx}) })
}

type tokenFailingActors struct{ auth.ActorStore }

func (tokenFailingActors) SetTokens(context.Context, string, string, string) error {
	return errors.New("disk full")
}

func TestSignUpRollsBackOnTokenPersistFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc, err := auth.NewService(tokenFailingStore{f.store}, f.hasher, f.issuer, f.revocations)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, _, err := svc.SignUp(ctx, auth.SignUpInput{Email: "a@x.com", Username: "writer", Password: "password1"}); err == nil {
		t.Fatal("expected sign-up to fail")
	}
	if _, err := f.store.Actors(ctx).FindByEmail(ctx, "a@x.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected no orphan actor, got %v", err)
	}
}

func TestSignInGenericFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signUp(t, "a@x.com")

	if _, err := f.svc.SignIn(ctx, "a@x.com", "wrong-password"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("wrong password: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.svc.SignIn(ctx, "nobody@x.com", "password1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("unknown email: expected ErrUnauthenticated, got %v", err)
	}
	pair, err := f.svc.SignIn(ctx, "A@x.com", "password1")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	d, err := f.guard.Require(ctx, pair.AccessToken, policy.Require(policy.ActionRead, policy.SubjectUsers))
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if d.Actor.Email != "a@x.com" || d.State != auth.StateDecided {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestRefreshIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pair := f.signUp(t, "a@x.com")

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a new refresh token")
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("second use: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("new refresh token should work: %v", err)
	}
}

func TestRefreshRejectsAccessTokens(t *testing.T) {
	f := newFixture(t)
	_, pair := f.signUp(t, "a@x.com")
	if _, err := f.svc.Refresh(context.Background(), pair.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRefreshRevokesPairedAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pair := f.signUp(t, "a@x.com")

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := f.guard.Require(ctx, pair.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("old access token: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.guard.Require(ctx, next.AccessToken); err != nil {
		t.Fatalf("new access token: %v", err)
	}
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pair := f.signUp(t, "a@x.com")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(ctx, pair.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", wins)
	}
}

func TestLogoutRevokesOnlyThatToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signUp(t, "a@x.com")

	first, err := f.svc.SignIn(ctx, "a@x.com", "password1")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	second, err := f.svc.SignIn(ctx, "a@x.com", "password1")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}

	if err := f.svc.Logout(ctx, first.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := f.svc.Logout(ctx, first.AccessToken); err != nil {
		t.Fatalf("second Logout should be idempotent: %v", err)
	}
	if _, err := f.guard.Require(ctx, first.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("revoked token: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.guard.Require(ctx, second.AccessToken); err != nil {
		t.Fatalf("other token should remain valid: %v", err)
	}
}

func TestRevocationSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pair := f.signUp(t, "a@x.com")
	if err := f.svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	n, err := f.revocations.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Sweep before expiry = %d, %v", n, err)
	}
	sweeper := auth.NewRevocations(f.store, f.issuer)
	claims, err := f.issuer.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	revoked, err := sweeper.IsRevoked(ctx, claims.ID)
	if err != nil || !revoked {
		t.Fatalf("IsRevoked = %v, %v", revoked, err)
	}
	if err := f.store.Revocations(ctx).Add(ctx, auth.RevokedToken{TokenID: "old", ExpiresAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	n, err = sweeper.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pair := f.signUp(t, "a@x.com")

	if _, err := f.svc.RequestPasswordReset(ctx, "nobody@x.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("unknown email: expected ErrNotFound, got %v", err)
	}
	ack, err := f.svc.RequestPasswordReset(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if !strings.Contains(ack.Message, "a@x.com") {
		t.Fatalf("unexpected ack: %q", ack.Message)
	}
	msgs := f.mailer.messages()
	if len(msgs) != 1 || msgs[0].To != "a@x.com" {
		t.Fatalf("expected one reset mail, got %+v", msgs)
	}
	token := extractToken(t, msgs[0].Body)

	if err := f.svc.ConfirmPasswordReset(ctx, token+"00", "new-password"); !errors.Is(err, auth.ErrIntegrity) {
		t.Fatalf("tampered token: expected ErrIntegrity, got %v", err)
	}
	if err := f.svc.ConfirmPasswordReset(ctx, token, "new-password"); err != nil {
		t.Fatalf("ConfirmPasswordReset: %v", err)
	}
	if err := f.svc.ConfirmPasswordReset(ctx, token, "another-password"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("reused token: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.svc.SignIn(ctx, "a@x.com", "password1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("old password should fail, got %v", err)
	}
	if _, err := f.svc.SignIn(ctx, "a@x.com", "new-password"); err != nil {
		t.Fatalf("new password: %v", err)
	}
	if _, err := f.guard.Require(ctx, pair.AccessToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("pre-reset access token should be revoked, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("pre-reset refresh token should be cleared, got %v", err)
	}
}

func TestPasswordResetExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signUp(t, "a@x.com")
	if _, err := f.svc.RequestPasswordReset(ctx, "a@x.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := extractToken(t, f.mailer.messages()[0].Body)

	f.now = f.now.Add(2 * time.Hour)
	if err := f.svc.ConfirmPasswordReset(ctx, token, "new-password"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func extractToken(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "https://") {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(line))
		if err != nil {
			t.Fatalf("parse link: %v", err)
		}
		return u.Query().Get("token")
	}
	t.Fatalf("no link in body: %s", body)
	return ""
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.EnsureAdmin(ctx, "root@x.com", "admin-password")
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if first.Role != policy.RoleAdmin {
		t.Fatalf("expected ADMIN, got %s", first.Role)
	}
	second, err := f.svc.EnsureAdmin(ctx, "root@x.com", "admin-password")
	if err != nil {
		t.Fatalf("EnsureAdmin again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected the same admin actor")
	}
}
