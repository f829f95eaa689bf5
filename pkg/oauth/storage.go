// Package oauth provides the embedded OAuth 2.0 authorization server.
package oauth

import (
	"context"
	"net/url"
	"slices"
	"time"
)

// Grant types supported by the server.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// TokenPersister defines durable storage for the token set.
// Save always receives the complete set and must replace what was stored.
type TokenPersister interface {
	Load(ctx context.Context) ([]*Token, error)
	Save(ctx context.Context, tokens []*Token) error
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // bcrypt hash
	Name         string   `json:"name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes,omitempty"`

	// Zero means the server default applies.
	AccessTokenLifetime  time.Duration `json:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration `json:"refresh_token_lifetime"`
}

// AuthorizationCode represents an OAuth authorization code.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Token is an issued access token, optionally paired with a refresh token.
type Token struct {
	ID                    string     `json:"id"`
	AccessToken           string     `json:"access_token"`
	AccessTokenExpiresAt  time.Time  `json:"access_token_expires_at"`
	RefreshToken          string     `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at,omitempty"`
	ClientID              string     `json:"client_id"`
	UserID                string     `json:"user_id"`
	Scope                 string     `json:"scope"`
	CreatedAt             time.Time  `json:"created_at"`
}

// IsExpired checks if the authorization code has expired.
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// AccessExpired reports whether the access token is past its expiry at now.
func (t *Token) AccessExpired(now time.Time) bool {
	return now.After(t.AccessTokenExpiresAt)
}

// RefreshUsable reports whether the refresh token can still be exchanged at now.
func (t *Token) RefreshUsable(now time.Time) bool {
	if t.RefreshToken == "" {
		return false
	}
	return t.RefreshTokenExpiresAt == nil || !now.After(*t.RefreshTokenExpiresAt)
}

// Dead reports whether no part of the token can be used any more.
func (t *Token) Dead(now time.Time) bool {
	return t.AccessExpired(now) && !t.RefreshUsable(now)
}

// validate checks the invariants a stored record must satisfy.
func (t *Token) validate() error {
	if t.AccessToken == "" || t.AccessTokenExpiresAt.IsZero() {
		return ErrCorruptToken
	}
	return nil
}

// ValidRedirectURI checks if a redirect URI is valid for this client.
// For loopback redirect URIs (127.0.0.1, [::1], localhost), matching follows
// RFC 8252 Section 7.3: scheme and host must match, but port and path are ignored.
func (c *Client) ValidRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if matchesRedirectURI(registered, uri) {
			return true
		}
	}
	return false
}

// isLoopbackURI checks if a URI is a loopback redirect URI per RFC 8252 Section 7.3.
func isLoopbackURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// matchesRedirectURI checks if a requested redirect URI matches a registered one.
// Non-loopback URIs require an exact string match.
func matchesRedirectURI(registered, requested string) bool {
	if registered == requested {
		return true
	}
	if !isLoopbackURI(registered) || !isLoopbackURI(requested) {
		return false
	}
	regURL, err := url.Parse(registered)
	if err != nil {
		return false
	}
	reqURL, err := url.Parse(requested)
	if err != nil {
		return false
	}
	return regURL.Scheme == reqURL.Scheme && regURL.Hostname() == reqURL.Hostname()
}

// SupportsGrantType checks if the client supports a grant type.
func (c *Client) SupportsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}
