package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ClientLookup resolves registered clients.
type ClientLookup interface {
	Lookup(clientID, secret string, checkSecret bool) (*Client, error)
}

// ModelConfig configures token lifetimes and scope defaults.
type ModelConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	DefaultScope    string
}

// Model implements the server-side contract the protocol engine relies on:
// client lookup, token issuance and lookup, revocation and scope checks.
type Model struct {
	config    ModelConfig
	clients   ClientLookup
	tokens    *TokenStore
	codes     *CodeStore
	generator TokenGenerator
}

// NewModel creates a grant model. A nil generator issues opaque tokens.
func NewModel(config ModelConfig, clients ClientLookup, tokens *TokenStore, codes *CodeStore, generator TokenGenerator) *Model {
	if generator == nil {
		generator = OpaqueGenerator{}
	}
	return &Model{
		config:    config,
		clients:   clients,
		tokens:    tokens,
		codes:     codes,
		generator: generator,
	}
}

// GetClient looks up a client, checking the secret when one is required.
func (m *Model) GetClient(_ context.Context, clientID, secret string, checkSecret bool) (*Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}
	return m.clients.Lookup(clientID, secret, checkSecret)
}

// ValidateScope resolves the scope to grant for a request. A client with an
// allow-list may only receive labels from it and never an empty scope, since
// an empty scope places no restriction on the token. An empty request yields
// the default scope narrowed to the allow-list, or the whole allow-list when
// none of the default labels are allowed.
func (m *Model) ValidateScope(client *Client, requested string) (string, error) {
	labels := ParseScope(requested)
	if len(client.Scopes) == 0 {
		if len(labels) == 0 {
			labels = ParseScope(m.config.DefaultScope)
		}
		return FormatScope(labels), nil
	}

	if len(labels) == 0 {
		labels = slices.DeleteFunc(ParseScope(m.config.DefaultScope), func(label string) bool {
			return !slices.Contains(client.Scopes, label)
		})
		if len(labels) == 0 {
			labels = client.Scopes
		}
		return FormatScope(labels), nil
	}

	for _, label := range labels {
		if !slices.Contains(client.Scopes, label) {
			return "", ErrInvalidScope("scope %q is not allowed for this client", label)
		}
	}
	return FormatScope(labels), nil
}

// VerifyScope reports whether token grants every label in required.
func (*Model) VerifyScope(token *Token, required string) bool {
	return VerifyScope(token, required)
}

// IssueToken mints and stores a token for client and user, replacing any
// token the pair already holds.
func (m *Model) IssueToken(ctx context.Context, client *Client, userID, scope string, withRefresh bool) (*Token, error) {
	token, err := m.newToken(client, userID, scope, withRefresh)
	if err != nil {
		return nil, err
	}
	if err := m.tokens.Issue(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// RefreshToken redeems refreshToken for client and returns the token that
// replaces it. A non-empty requested scope must stay within the original
// grant and the client allow-list. Only one of several concurrent
// redemptions of the same refresh token succeeds.
func (m *Model) RefreshToken(ctx context.Context, client *Client, refreshToken, requested string) (*Token, error) {
	token, err := m.tokens.Rotate(ctx, refreshToken, func(old *Token) (*Token, error) {
		if old.ClientID != client.ClientID {
			return nil, ErrInvalidGrant("refresh token was issued to another client")
		}
		scope := old.Scope
		switch {
		case requested != "":
			if !scopeCovers(old.Scope, requested) {
				return nil, ErrInvalidScope("requested scope exceeds the original grant")
			}
			var err error
			if scope, err = m.ValidateScope(client, requested); err != nil {
				return nil, err
			}
		case scope == "" && len(client.Scopes) > 0:
			scope, _ = m.ValidateScope(client, "")
		}
		return m.newToken(client, old.UserID, scope, true)
	})
	if errors.Is(err, ErrTokenNotFound) {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	return token, err
}

func (m *Model) newToken(client *Client, userID, scope string, withRefresh bool) (*Token, error) {
	now := time.Now()
	token := &Token{
		ID:                   uuid.NewString(),
		AccessTokenExpiresAt: now.Add(m.accessTTL(client)),
		ClientID:             client.ClientID,
		UserID:               userID,
		Scope:                scope,
		CreatedAt:            now,
	}

	access, err := m.generator.AccessToken(AccessTokenClaims{
		ID:        token.ID,
		ClientID:  client.ClientID,
		UserID:    userID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: token.AccessTokenExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}
	token.AccessToken = access

	if withRefresh {
		refresh, err := generateSecureToken(tokenBytes)
		if err != nil {
			return nil, fmt.Errorf("generating refresh token: %w", err)
		}
		expires := now.Add(m.refreshTTL(client))
		token.RefreshToken = refresh
		token.RefreshTokenExpiresAt = &expires
	}
	return token, nil
}

// LookupAccessToken returns the live token for an access token value.
func (m *Model) LookupAccessToken(ctx context.Context, accessToken string) (*Token, error) {
	return m.tokens.LookupAccessToken(ctx, accessToken)
}

// LookupRefreshToken returns the live token for a refresh token value.
func (m *Model) LookupRefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	return m.tokens.LookupRefreshToken(ctx, refreshToken)
}

// RevokeToken revokes by refresh token identity.
func (m *Model) RevokeToken(ctx context.Context, refreshToken string) error {
	return m.tokens.Revoke(ctx, refreshToken)
}

// RevokeAccessToken revokes by access token identity.
func (m *Model) RevokeAccessToken(ctx context.Context, accessToken string) error {
	return m.tokens.RevokeAccessToken(ctx, accessToken)
}

// SaveAuthorizationCode mints a code bound to client, user and redirect URI.
func (m *Model) SaveAuthorizationCode(_ context.Context, client *Client, userID, redirectURI, scope string) (*AuthorizationCode, error) {
	value, err := generateSecureToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generating authorization code: %w", err)
	}
	now := time.Now()
	code := &AuthorizationCode{
		Code:        value,
		ClientID:    client.ClientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       scope,
		ExpiresAt:   now.Add(m.config.AuthCodeTTL),
		CreatedAt:   now,
	}
	m.codes.Save(code)
	return code, nil
}

// ConsumeAuthorizationCode removes a code and returns it if still valid.
// The code is gone after the first call whatever the outcome.
func (m *Model) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	authCode, err := m.codes.Take(code)
	if errors.Is(err, ErrCodeNotFound) {
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if err != nil {
		return nil, err
	}
	if authCode.IsExpired() {
		return nil, ErrInvalidGrant("authorization code expired")
	}
	return authCode, nil
}

// PurgeExpired removes expired codes and dead tokens.
func (m *Model) PurgeExpired(ctx context.Context) (codes, tokens int, err error) {
	codes = m.codes.Cleanup()
	tokens, err = m.tokens.PurgeExpired(ctx)
	return codes, tokens, err
}

func (m *Model) accessTTL(client *Client) time.Duration {
	if client.AccessTokenLifetime > 0 {
		return client.AccessTokenLifetime
	}
	return m.config.AccessTokenTTL
}

func (m *Model) refreshTTL(client *Client) time.Duration {
	if client.RefreshTokenLifetime > 0 {
		return client.RefreshTokenLifetime
	}
	return m.config.RefreshTokenTTL
}
