package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBodyBytes bounds form and JSON bodies on the OAuth endpoints.
const maxBodyBytes = 1 << 20

// Endpoint paths served by the OAuth server.
const (
	PathAuthorize = "/oauth/authorize"
	PathToken     = "/oauth/token"
	PathValidate  = "/oauth/validate"
	PathRevoke    = "/oauth/revoke"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// IntrospectionResponse is the body of the validate endpoint.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the OAuth server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case PathAuthorize:
		switch r.Method {
		case http.MethodGet:
			s.handleAuthorizePage(w, r)
		case http.MethodPost:
			s.handleAuthorizeDecision(w, r)
		default:
			s.writeError(w, r, ErrInvalidRequest("GET or POST required"), http.StatusMethodNotAllowed)
		}
	case PathToken:
		if r.Method != http.MethodPost {
			s.writeError(w, r, ErrInvalidRequest("POST required"), http.StatusMethodNotAllowed)
			return
		}
		s.handleTokenEndpoint(w, r)
	case PathValidate:
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			s.writeError(w, r, ErrInvalidRequest("GET or POST required"), http.StatusMethodNotAllowed)
			return
		}
		s.handleValidateEndpoint(w, r)
	case PathRevoke:
		if r.Method != http.MethodPost {
			s.writeError(w, r, ErrInvalidRequest("POST required"), http.StatusMethodNotAllowed)
			return
		}
		s.handleRevokeEndpoint(w, r)
	case PathMetadata:
		s.handleMetadata(w, r)
	default:
		http.NotFound(w, r)
	}
}

// handleAuthorizePage handles GET /oauth/authorize by rendering the consent form.
func (s *Server) handleAuthorizePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := authorizationRequestFrom(q)

	client, err := s.validateAuthorizationRequest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	name := client.Name
	if name == "" {
		name = client.ClientID
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := consentTemplate.Execute(w, consentPage{
		Action:      r.URL.Path,
		ClientID:    client.ClientID,
		ClientName:  name,
		RedirectURI: req.RedirectURI,
		State:       req.State,
		Scope:       req.Scope,
	}); err != nil {
		s.logger.Warn("rendering consent page", "error", err)
	}
}

// handleAuthorizeDecision handles POST /oauth/authorize.
func (s *Server) handleAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	req := authorizationRequestFrom(params)
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}

	if denied(params) {
		s.redirectDenied(w, r, req)
		return
	}

	user, err := s.users.AuthenticateUser(r)
	if err != nil {
		s.writeError(w, r, ErrServer(fmt.Errorf("resolving user: %w", err)), 0)
		return
	}

	code, err := s.Authorize(r.Context(), req, user.ID)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) && oe.Code == CodeInvalidScope {
			// The redirect URI was verified before scope was checked.
			redirectWith(w, r, req.RedirectURI, url.Values{
				"error":             {oe.Code},
				"error_description": {oe.Description},
			}, req.State)
			return
		}
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}

	s.logger.Info("authorization code issued", "client_id", req.ClientID, "user_id", user.ID)
	redirectWith(w, r, req.RedirectURI, url.Values{"code": {code}}, req.State)
}

// redirectDenied sends the user agent back with error=access_denied. When
// the request names a client the redirect URI must be registered to it.
func (s *Server) redirectDenied(w http.ResponseWriter, r *http.Request, req AuthorizationRequest) {
	if req.RedirectURI == "" {
		s.writeError(w, r, ErrInvalidRequest("redirect_uri is required"), 0)
		return
	}
	if _, err := url.Parse(req.RedirectURI); err != nil {
		s.writeError(w, r, ErrInvalidRequest("invalid redirect_uri"), 0)
		return
	}
	if req.ClientID != "" {
		if _, err := s.validateAuthorizationRequest(r.Context(), req); err != nil {
			s.writeError(w, r, err, http.StatusBadRequest)
			return
		}
	}
	s.logger.Info("authorization denied", "client_id", req.ClientID)
	redirectWith(w, r, req.RedirectURI, url.Values{"error": {CodeAccessDenied}}, req.State)
}

// handleTokenEndpoint handles POST /oauth/token.
func (s *Server) handleTokenEndpoint(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	clientID, clientSecret, err := clientCredentials(r, params)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	req := TokenRequest{
		GrantType:    params.Get("grant_type"),
		Code:         params.Get("code"),
		RedirectURI:  params.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: params.Get("refresh_token"),
		Scope:        params.Get("scope"),
	}

	resp, err := s.Token(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// handleValidateEndpoint handles GET/POST /oauth/validate.
func (s *Server) handleValidateEndpoint(w http.ResponseWriter, r *http.Request) {
	value, ok := BearerToken(r)
	if !ok {
		params, err := readParams(w, r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, IntrospectionResponse{Error: "malformed request"})
			return
		}
		value = params.Get("token")
	}
	if value == "" {
		writeJSON(w, http.StatusUnauthorized, IntrospectionResponse{Error: "missing token"})
		return
	}

	token, err := s.model.LookupAccessToken(r.Context(), value)
	if errors.Is(err, ErrTokenNotFound) {
		writeJSON(w, http.StatusUnauthorized, IntrospectionResponse{Error: "invalid or expired token"})
		return
	}
	if err != nil {
		s.logger.Error("token lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, IntrospectionResponse{Error: "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, Introspect(token, time.Now()))
}

// Introspect describes a live token.
func Introspect(token *Token, now time.Time) IntrospectionResponse {
	expiresIn := int64(token.AccessTokenExpiresAt.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return IntrospectionResponse{
		Active:    true,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Exp:       token.AccessTokenExpiresAt.Unix(),
		Iat:       token.CreatedAt.Unix(),
		Scope:     token.Scope,
		TokenType: "Bearer",
		ExpiresIn: expiresIn,
	}
}

// handleRevokeEndpoint handles POST /oauth/revoke (RFC 7009). Tokens that
// are unknown or belong to another client are ignored.
func (s *Server) handleRevokeEndpoint(w http.ResponseWriter, r *http.Request) {
	params, err := readParams(w, r)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	clientID, clientSecret, err := clientCredentials(r, params)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	if clientSecret == "" {
		s.writeError(w, r, ErrInvalidClient("client_secret is required"), 0)
		return
	}
	client, err := s.model.GetClient(r.Context(), clientID, clientSecret, true)
	if err != nil {
		s.writeError(w, r, err, 0)
		return
	}
	value := params.Get("token")
	if value == "" {
		s.writeError(w, r, ErrInvalidRequest("token is required"), 0)
		return
	}

	if err := s.revoke(r, client, value, params.Get("token_type_hint")); err != nil {
		s.writeError(w, r, ErrServer(err), 0)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) revoke(r *http.Request, client *Client, value, hint string) error {
	ctx := r.Context()
	tryRefresh := func() (bool, error) {
		token, err := s.model.LookupRefreshToken(ctx, value)
		if errors.Is(err, ErrTokenNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if token.ClientID != client.ClientID {
			return true, nil
		}
		return true, s.model.RevokeToken(ctx, value)
	}
	tryAccess := func() (bool, error) {
		token, err := s.model.LookupAccessToken(ctx, value)
		if errors.Is(err, ErrTokenNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if token.ClientID != client.ClientID {
			return true, nil
		}
		return true, s.model.RevokeAccessToken(ctx, value)
	}

	order := []func() (bool, error){tryRefresh, tryAccess}
	if hint == "access_token" {
		order = []func() (bool, error){tryAccess, tryRefresh}
	}
	for _, try := range order {
		found, err := try()
		if err != nil {
			return err
		}
		if found {
			s.logger.Info("token revoked", "client_id", client.ClientID)
			return nil
		}
	}
	return nil
}

// handleMetadata handles GET /.well-known/oauth-authorization-server.
func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := strings.TrimSuffix(s.config.Issuer, "/")
	metadata := map[string]any{
		"issuer":                                s.config.Issuer,
		"authorization_endpoint":                issuer + PathAuthorize,
		"token_endpoint":                        issuer + PathToken,
		"introspection_endpoint":                issuer + PathValidate,
		"revocation_endpoint":                   issuer + PathRevoke,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 supportedGrantTypes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	}
	if scopes := ParseScope(s.config.DefaultScope); len(scopes) > 0 {
		metadata["scopes_supported"] = scopes
	}

	writeJSON(w, http.StatusOK, metadata)
}

// writeError writes an OAuth error response. A non-zero status overrides the
// one carried by the error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	oe := AsError(err)
	if status == 0 {
		status = oe.Status
	}
	if oe.Code == CodeServerError {
		s.logger.Error("oauth request failed", "path", r.URL.Path, "error", err)
	}
	if status == http.StatusUnauthorized && oe.Code == CodeInvalidClient && hasBasicAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	writeJSON(w, status, oe.Response())
}

func authorizationRequestFrom(v url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType: v.Get("response_type"),
		ClientID:     v.Get("client_id"),
		RedirectURI:  v.Get("redirect_uri"),
		Scope:        v.Get("scope"),
		State:        v.Get("state"),
	}
}

// denied reports whether the consent form was declined.
func denied(params url.Values) bool {
	if params.Get("action") == "deny" {
		return true
	}
	switch strings.ToLower(params.Get("deny")) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// redirectWith redirects to base with params and state merged into its query.
func redirectWith(w http.ResponseWriter, r *http.Request, base string, params url.Values, state string) {
	u, err := url.Parse(base)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrInvalidRequest("invalid redirect_uri").Response())
		return
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// readParams reads request parameters from a form or JSON body, plus the
// query string.
func readParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, ErrInvalidRequest("could not parse form")
		}
		return r.Form, nil
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, ErrInvalidRequest("could not parse JSON")
	}
	params := r.URL.Query()
	for k, v := range body {
		switch val := v.(type) {
		case nil:
		case string:
			params.Set(k, val)
		case bool, float64:
			params.Set(k, fmt.Sprint(val))
		default:
			return nil, ErrInvalidRequest("parameter %q must be a scalar", k)
		}
	}
	return params, nil
}

// clientCredentials resolves the client id and secret from the body, falling
// back to HTTP Basic. Values present in both places must agree.
func clientCredentials(r *http.Request, params url.Values) (string, string, error) {
	bodyID, bodySecret := params.Get("client_id"), params.Get("client_secret")
	if !hasBasicAuth(r) {
		return bodyID, bodySecret, nil
	}

	headerID, headerSecret, ok := r.BasicAuth()
	if !ok {
		return "", "", ErrInvalidClient("malformed basic credentials")
	}
	// RFC 6749 Section 2.3.1: both parts are form-urlencoded.
	if v, err := url.QueryUnescape(headerID); err == nil {
		headerID = v
	}
	if v, err := url.QueryUnescape(headerSecret); err == nil {
		headerSecret = v
	}

	if bodyID != "" && bodyID != headerID {
		return "", "", ErrInvalidClient("client_id in body and Authorization header disagree")
	}
	if bodySecret != "" && bodySecret != headerSecret {
		return "", "", ErrInvalidClient("client_secret in body and Authorization header disagree")
	}
	return headerID, headerSecret, nil
}

func hasBasicAuth(r *http.Request) bool {
	scheme, _, _ := strings.Cut(r.Header.Get("Authorization"), " ")
	return strings.EqualFold(scheme, "Basic")
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
