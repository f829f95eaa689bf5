// Package http provides HTTP middleware for the OAuth proxy.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/oauth-proxy/pkg/auth"
	"github.com/txn2/oauth-proxy/pkg/oauth"
)

// TokenLookup resolves a bearer token to a live token.
type TokenLookup interface {
	LookupAccessToken(ctx context.Context, accessToken string) (*oauth.Token, error)
}

// invalidTokenData tells callers the token was presented but rejected.
type invalidTokenData struct {
	Active bool   `json:"active"`
	Error  string `json:"error"`
}

// RequireBearer returns middleware that admits only requests carrying a live
// bearer token. The resolved identity is attached to the request context.
func RequireBearer(tokens TokenLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			value, ok := oauth.BearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				WriteFail(w, http.StatusUnauthorized, "missing or malformed bearer token", nil)
				return
			}

			token, err := tokens.LookupAccessToken(r.Context(), value)
			switch {
			case errors.Is(err, oauth.ErrTokenNotFound):
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
				WriteFail(w, http.StatusUnauthorized, "invalid or expired token",
					invalidTokenData{Active: false, Error: oauth.CodeInvalidToken})
				return
			case err != nil:
				logger.Error("bearer token lookup failed", "path", r.URL.Path, "error", err)
				WriteError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx := auth.WithIdentity(r.Context(), &auth.Identity{Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns middleware that rejects authenticated requests whose
// token does not grant every label in scope. An empty scope admits all.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if scope == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.GetIdentity(r.Context())
			if id == nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				WriteFail(w, http.StatusUnauthorized, "authentication required", nil)
				return
			}
			if !id.HasScope(scope) {
				w.Header().Set("WWW-Authenticate",
					`Bearer realm="api", error="insufficient_scope", scope="`+scope+`"`)
				WriteFail(w, http.StatusForbidden, "insufficient scope", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
