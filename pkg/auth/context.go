// Package auth carries the authenticated caller through request contexts.
package auth

import (
	"context"

	"github.com/txn2/oauth-proxy/pkg/oauth"
)

// contextKey is a private type for context keys.
type contextKey int

const (
	tokenContextKey contextKey = iota
)

// Identity is the authenticated caller resolved from a bearer token.
type Identity struct {
	Token *oauth.Token
}

// ClientID returns the client the token was issued to.
func (id *Identity) ClientID() string {
	return id.Token.ClientID
}

// UserID returns the user the token was issued to.
func (id *Identity) UserID() string {
	return id.Token.UserID
}

// Scope returns the token scope.
func (id *Identity) Scope() string {
	return id.Token.Scope
}

// HasScope checks if the token grants every label in scope.
func (id *Identity) HasScope(scope string) bool {
	return oauth.VerifyScope(id.Token, scope)
}

// WithIdentity adds the caller identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, tokenContextKey, id)
}

// GetIdentity retrieves the caller identity from the context.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(tokenContextKey).(*Identity); ok {
		return id
	}
	return nil
}
