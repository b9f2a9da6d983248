package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
	"quillpress.org/internal/obs"
	"quillpress.org/internal/policy"
)

const (
	serviceName  = "quillpress-api"
	maxBodyBytes = 1 << 20
)

// Pinger is implemented by storage backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the storage backend. A nil Store is always ready.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps wires the services the HTTP layer exposes.
type Deps struct {
	Auth     *auth.Service
	Guard    *auth.Guard
	Articles *articles.Service
	Metrics  *obs.Metrics
	Logger   *zap.Logger
	Ready    ReadyProbe
	Version  string

	AllowedOrigins []string
	TrustedProxies []string
	RatePerSec     float64
	RateBurst      int
}

// API is the HTTP layer.
type API struct {
	router   *mux.Router
	auth     *auth.Service
	guard    *auth.Guard
	articles *articles.Service
	metrics  *obs.Metrics
	log      *zap.Logger
	ready    readinessChecker
	version  string
	origins  []string
	proxies  TrustedProxies
	limiter  *RateLimiter
}

// New builds the router.
func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Guard == nil || d.Articles == nil {
		return nil, errors.New("httpapi: auth, guard and articles services are required")
	}
	proxies, err := ParseTrustedProxies(d.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &API{
		router:   mux.NewRouter(),
		auth:     d.Auth,
		guard:    d.Guard,
		articles: d.Articles,
		metrics:  d.Metrics,
		log:      log,
		ready:    d.Ready,
		version:  d.Version,
		origins:  d.AllowedOrigins,
		proxies:  proxies,
		limiter:  NewRateLimiter(d.RatePerSec, d.RateBurst),
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}

	limited := func(h http.HandlerFunc) http.Handler { return a.limiter.Middleware(h) }
	r.Handle("/signin", limited(a.handleSignIn)).Methods(http.MethodPost)
	r.Handle("/signup", limited(a.handleSignUp)).Methods(http.MethodPost)
	r.Handle("/refresh-token", limited(a.handleRefresh)).Methods(http.MethodPost)
	r.Handle("/reset-password", limited(a.handleResetPassword)).Methods(http.MethodPost)
	r.Handle("/reset-password/confirm", limited(a.handleResetPasswordConfirm)).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.guarded(a.handleLogout, policy.Require(policy.ActionRead, policy.SubjectUsers))).
		Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/articles", a.guarded(a.handleCreateArticle, policy.Require(policy.ActionCreate, policy.SubjectArticles))).
		Methods(http.MethodPost)
	r.HandleFunc("/articles", a.optional(a.handleListArticles)).Methods(http.MethodGet)
	r.HandleFunc("/articles/{id}", a.optional(a.handleGetArticle)).Methods(http.MethodGet)
	r.HandleFunc("/articles/{id}", a.guarded(a.handleUpdateArticle, policy.Require(policy.ActionUpdate, policy.SubjectArticles))).
		Methods(http.MethodPatch)
	r.HandleFunc("/articles/{id}", a.guarded(a.handleDeleteArticle, policy.Require(policy.ActionDelete, policy.SubjectArticles))).
		Methods(http.MethodDelete)

	r.HandleFunc("/users", a.guarded(a.handleCreateUser, policy.Require(policy.ActionCreate, policy.SubjectUsers))).
		Methods(http.MethodPost)
	r.HandleFunc("/users", a.guarded(a.handleListUsers, policy.Require(policy.ActionReadAll, policy.SubjectUsers))).
		Methods(http.MethodGet)
	r.HandleFunc("/users/me", a.guarded(a.handleMe, policy.Require(policy.ActionRead, policy.SubjectUsers))).
		Methods(http.MethodGet)
	r.HandleFunc("/users/{id}", a.guarded(a.handleUpdateUser, policy.Require(policy.ActionUpdate, policy.SubjectUsers))).
		Methods(http.MethodPatch)
	r.HandleFunc("/users/{id}", a.guarded(a.handleDeleteUser, policy.Require(policy.ActionDelete, policy.SubjectUsers))).
		Methods(http.MethodDelete)
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	if a.metrics != nil {
		h = a.metrics.Instrument(h)
	}
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = Recover(a.log)(h)
	h = LoggingJSON(a.log)(h)
	h = a.proxies.RealIP(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="quillpress"`)
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps domain errors onto HTTP responses. Messages for
// authentication and authorization failures stay generic.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenSignature),
		errors.Is(err, auth.ErrTokenMalformed):
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, articles.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, articles.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		a.log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func pathID(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["id"])
}
