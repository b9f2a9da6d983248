package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"quillpress.org/internal/auth"
	"quillpress.org/internal/policy"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingBearer = errors.New("missing bearer token")

// guardedFunc is a handler that receives the guard's decision.
type guardedFunc func(w http.ResponseWriter, r *http.Request, d auth.Decision)

// guarded requires a valid access token satisfying every requirement.
func (a *API) guarded(h guardedFunc, reqs ...policy.Requirement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		d, err := a.guard.Require(r.Context(), token, reqs...)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		h(w, r, d)
	}
}

// optional resolves the caller when a token is present; anonymous callers
// get a decision with an empty rule set.
func (a *API) optional(h guardedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := extractBearerToken(r.Header.Get(authHeader))
		d, err := a.guard.Optional(r.Context(), token)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		h(w, r, d)
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
