package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ServerConfig configures the OAuth server.
type ServerConfig struct {
	// Issuer is the OAuth issuer URL.
	Issuer string

	// AccessTokenTTL is the default access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the default refresh token lifetime.
	RefreshTokenTTL time.Duration

	// AuthCodeTTL is the authorization code lifetime.
	AuthCodeTTL time.Duration

	// DefaultScope is granted when a request names no scope.
	DefaultScope string

	// Generator formats access tokens. Nil means opaque tokens.
	Generator TokenGenerator

	// Users resolves the resource owner on the authorize endpoint.
	Users UserAuthenticator

	// Logger receives protocol events. Nil means slog.Default().
	Logger *slog.Logger
}

// Server is the OAuth 2.0 authorization server: it drives the
// authorization_code, client_credentials and refresh_token grants.
type Server struct {
	config ServerConfig
	model  *Model
	users  UserAuthenticator
	logger *slog.Logger
}

// NewServer creates a new OAuth server.
func NewServer(config ServerConfig, clients ClientLookup, tokens *TokenStore) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 1 * time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 24 * time.Hour * 30 // 30 days
	}
	if config.AuthCodeTTL == 0 {
		config.AuthCodeTTL = 10 * time.Minute
	}
	if config.Users == nil {
		return nil, fmt.Errorf("user authenticator is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	model := NewModel(ModelConfig{
		AccessTokenTTL:  config.AccessTokenTTL,
		RefreshTokenTTL: config.RefreshTokenTTL,
		AuthCodeTTL:     config.AuthCodeTTL,
		DefaultScope:    config.DefaultScope,
	}, clients, tokens, NewCodeStore(), config.Generator)

	return &Server{
		config: config,
		model:  model,
		users:  config.Users,
		logger: logger,
	}, nil
}

// Model returns the grant model backing the server.
func (s *Server) Model() *Model {
	return s.model
}

// AuthorizationRequest represents an authorization request.
type AuthorizationRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
}

// TokenRequest represents a token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scope        string
}

// TokenResponse represents a token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// validateAuthorizationRequest validates the authorization request and returns the client.
func (s *Server) validateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*Client, error) {
	client, err := s.model.GetClient(ctx, req.ClientID, "", false)
	if err != nil {
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if !client.ValidRedirectURI(req.RedirectURI) {
		return nil, ErrInvalidRequest("invalid redirect_uri")
	}
	if req.ResponseType != "code" {
		return nil, ErrInvalidRequest("unsupported response_type")
	}
	if !client.SupportsGrantType(GrantAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client may not use the authorization_code grant")
	}
	return client, nil
}

// Authorize mints an authorization code for an approved request.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, userID string) (string, error) {
	client, err := s.validateAuthorizationRequest(ctx, req)
	if err != nil {
		return "", err
	}
	scope, err := s.model.ValidateScope(client, req.Scope)
	if err != nil {
		return "", err
	}

	code, err := s.model.SaveAuthorizationCode(ctx, client, userID, req.RedirectURI, scope)
	if err != nil {
		return "", ErrServer(err)
	}
	return code.Code, nil
}

// Token handles the token endpoint.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	case GrantAuthorizationCode:
		return s.handleAuthorizationCodeGrant(ctx, req)
	case GrantClientCredentials:
		return s.handleClientCredentialsGrant(ctx, req)
	case GrantRefreshToken:
		return s.handleRefreshTokenGrant(ctx, req)
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type %q", req.GrantType)
	}
}

// authenticateClient resolves the client for a grant and checks it may use it.
func (s *Server) authenticateClient(ctx context.Context, req TokenRequest, requireSecret bool) (*Client, error) {
	if requireSecret && req.ClientSecret == "" {
		return nil, ErrInvalidClient("client_secret is required")
	}
	client, err := s.model.GetClient(ctx, req.ClientID, req.ClientSecret, req.ClientSecret != "")
	if err != nil {
		return nil, err
	}
	if !client.SupportsGrantType(req.GrantType) {
		return nil, ErrUnauthorizedClient("client may not use the %s grant", req.GrantType)
	}
	return client, nil
}

// handleAuthorizationCodeGrant handles the authorization code grant.
func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	client, err := s.authenticateClient(ctx, req, false)
	if err != nil {
		return nil, err
	}

	code, err := s.model.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if code.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri mismatch")
	}

	return s.issue(ctx, client, code.UserID, code.Scope, client.SupportsGrantType(GrantRefreshToken), req.GrantType)
}

// handleClientCredentialsGrant handles the client credentials grant.
func (s *Server) handleClientCredentialsGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req, true)
	if err != nil {
		return nil, err
	}
	scope, err := s.model.ValidateScope(client, req.Scope)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, client, ServiceAccountUser(client.ClientID), scope, false, req.GrantType)
}

// handleRefreshTokenGrant handles the refresh token grant.
func (s *Server) handleRefreshTokenGrant(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	client, err := s.authenticateClient(ctx, req, true)
	if err != nil {
		return nil, err
	}

	token, err := s.model.RefreshToken(ctx, client, req.RefreshToken, req.Scope)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, oe
		}
		return nil, ErrServer(err)
	}
	return s.respond(client, token, req.GrantType), nil
}

func (s *Server) issue(ctx context.Context, client *Client, userID, scope string, withRefresh bool, grant string) (*TokenResponse, error) {
	token, err := s.model.IssueToken(ctx, client, userID, scope, withRefresh)
	if err != nil {
		return nil, ErrServer(err)
	}
	return s.respond(client, token, grant), nil
}

func (s *Server) respond(client *Client, token *Token, grant string) *TokenResponse {
	s.logger.Info("token issued",
		"grant_type", grant,
		"client_id", client.ClientID,
		"user_id", token.UserID,
		"token_id", token.ID,
		"scope", token.Scope)

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(token.AccessTokenExpiresAt.Sub(token.CreatedAt).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}
}

// ServiceAccountUser is the synthetic user a client_credentials token is
// issued to.
func ServiceAccountUser(clientID string) string {
	return "service-account:" + clientID
}

// RunCleanup removes expired codes and tokens every interval until ctx is done.
func (s *Server) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			codes, tokens, err := s.model.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warn("token cleanup failed", "error", err)
				continue
			}
			if codes > 0 || tokens > 0 {
				s.logger.Debug("expired entries removed", "codes", codes, "tokens", tokens)
			}
		}
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
