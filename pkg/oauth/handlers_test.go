package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func doForm(t *testing.T, h http.Handler, method, path string, form url.Values, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func requestToken(t *testing.T, s *Server, form url.Values) TokenResponse {
	t.Helper()
	w := doForm(t, s, http.MethodPost, PathToken, form)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeBody[TokenResponse](t, w)
}

func clientCredentialsForm(scope string) url.Values {
	return url.Values{
		"grant_type":    {GrantClientCredentials},
		"client_id":     {"c1"},
		"client_secret": {"s1"},
		"scope":         {scope},
	}
}

func TestServeHTTPRouting(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, PathToken, http.StatusMethodNotAllowed},
		{http.MethodDelete, PathAuthorize, http.StatusMethodNotAllowed},
		{http.MethodPut, PathValidate, http.StatusMethodNotAllowed},
		{http.MethodGet, PathRevoke, http.StatusMethodNotAllowed},
		{http.MethodGet, "/oauth/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleAuthorizePage(t *testing.T) {
	s := newTestServer(t)

	t.Run("renders consent form", func(t *testing.T) {
		q := url.Values{
			"response_type": {"code"},
			"client_id":     {"web"},
			"redirect_uri":  {testWebRedirect},
			"state":         {"xyz"},
			"scope":         {"read"},
		}
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Content-Type = %q", ct)
		}
		body := w.Body.String()
		for _, want := range []string{"Web App", `name="state" value="xyz"`, `name="deny"`, `name="client_id" value="web"`} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q", want)
			}
		}
	})

	t.Run("escapes parameters", func(t *testing.T) {
		q := url.Values{
			"response_type": {"code"},
			"client_id":     {"web"},
			"redirect_uri":  {testWebRedirect},
			"state":         {`"><script>alert(1)</script>`},
		}
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil))
		if strings.Contains(w.Body.String(), "<script>") {
			t.Error("state rendered unescaped")
		}
	})

	t.Run("invalid request is JSON 400", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathAuthorize+"?client_id=web&response_type=code", nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
		if got := decodeBody[ErrorResponse](t, w); got.Error != CodeInvalidRequest {
			t.Errorf("error = %q", got.Error)
		}
	})
}

func TestHandleAuthorizeDecision(t *testing.T) {
	t.Run("approve redirects with code and state", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"client_id":     {"web"},
			"redirect_uri":  {testWebRedirect},
			"response_type": {"code"},
			"state":         {"xyz"},
			"action":        {"approve"},
		})
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		loc, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(loc.String(), testWebRedirect+"?") {
			t.Errorf("Location = %q", loc)
		}
		if loc.Query().Get("state") != "xyz" || loc.Query().Get("code") == "" {
			t.Errorf("Location query = %v", loc.Query())
		}

		resp := requestToken(t, s, url.Values{
			"grant_type":    {GrantAuthorizationCode},
			"code":          {loc.Query().Get("code")},
			"redirect_uri":  {testWebRedirect},
			"client_id":     {"web"},
			"client_secret": {"web-secret"},
		})
		token, err := s.Model().LookupAccessToken(t.Context(), resp.AccessToken)
		if err != nil {
			t.Fatal(err)
		}
		if token.UserID != testDefaultUser {
			t.Errorf("UserID = %q, want consent principal", token.UserID)
		}
	})

	t.Run("deny without client redirects with access_denied", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"deny":         {"true"},
			"redirect_uri": {"https://cb"},
			"state":        {"xyz"},
		})
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d", w.Code)
		}
		if got := w.Header().Get("Location"); got != "https://cb?error=access_denied&state=xyz" {
			t.Errorf("Location = %q", got)
		}
	})

	t.Run("deny keeps existing query", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"action":       {"deny"},
			"redirect_uri": {"https://cb/path?tenant=a"},
		})
		if got := w.Header().Get("Location"); got != "https://cb/path?error=access_denied&tenant=a" {
			t.Errorf("Location = %q", got)
		}
	})

	t.Run("deny with client checks redirect", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"deny":         {"true"},
			"client_id":    {"web"},
			"redirect_uri": {"https://evil.example.com/cb"},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("deny without redirect", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{"deny": {"true"}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("invalid scope redirects to client", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"client_id":    {"web"},
			"redirect_uri": {testWebRedirect},
			"scope":        {"admin"},
			"state":        {"s1"},
		})
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d", w.Code)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if loc.Query().Get("error") != CodeInvalidScope || loc.Query().Get("state") != "s1" {
			t.Errorf("Location = %q", loc)
		}
	})

	t.Run("bad redirect is not followed", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"client_id":    {"web"},
			"redirect_uri": {"https://evil.example.com/cb"},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		if w.Header().Get("Location") != "" {
			t.Error("redirected to unregistered URI")
		}
	})

	t.Run("user resolution failure", func(t *testing.T) {
		s := newTestServerWith(t, ServerConfig{Users: StaticUserAuthenticator{}})
		w := doForm(t, s, http.MethodPost, PathAuthorize, url.Values{
			"client_id":    {"web"},
			"redirect_uri": {testWebRedirect},
		})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

func TestHandleTokenEndpoint(t *testing.T) {
	t.Run("form body", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathToken, clientCredentialsForm("read write"))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("Pragma") != "no-cache" {
			t.Errorf("missing cache headers: %v", w.Header())
		}
		resp := decodeBody[TokenResponse](t, w)
		if resp.Scope != "read write" || resp.AccessToken == "" || resp.TokenType != "Bearer" {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("json body", func(t *testing.T) {
		s := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(
			`{"grant_type":"client_credentials","client_id":"c1","client_secret":"s1","scope":"read"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		s := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(`{"grant_type":`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("basic auth", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathToken, url.Values{"grant_type": {GrantClientCredentials}},
			func(r *http.Request) { r.SetBasicAuth("c1", "s1") })
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("basic and body disagree", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathToken, url.Values{
			"grant_type": {GrantClientCredentials},
			"client_id":  {"web"},
		}, func(r *http.Request) { r.SetBasicAuth("c1", "s1") })
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if got := decodeBody[ErrorResponse](t, w); got.Error != CodeInvalidClient {
			t.Errorf("error = %q", got.Error)
		}
	})

	t.Run("bad basic secret challenges", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathToken, url.Values{"grant_type": {GrantClientCredentials}},
			func(r *http.Request) { r.SetBasicAuth("c1", "wrong") })
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Basic") {
			t.Errorf("WWW-Authenticate = %q", w.Header().Get("WWW-Authenticate"))
		}
	})

	t.Run("error statuses", func(t *testing.T) {
		s := newTestServer(t)
		tests := []struct {
			name string
			form url.Values
			want int
			code string
		}{
			{"wrong secret", url.Values{"grant_type": {GrantClientCredentials}, "client_id": {"c1"}, "client_secret": {"x"}}, http.StatusUnauthorized, CodeInvalidClient},
			{"unsupported grant", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, CodeUnsupportedGrantType},
			{"missing grant", url.Values{}, http.StatusBadRequest, CodeInvalidRequest},
			{"bad code", url.Values{"grant_type": {GrantAuthorizationCode}, "code": {"nope"}, "client_id": {"web"}, "redirect_uri": {testWebRedirect}}, http.StatusBadRequest, CodeInvalidGrant},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := doForm(t, s, http.MethodPost, PathToken, tt.form)
				if w.Code != tt.want {
					t.Errorf("status = %d, want %d", w.Code, tt.want)
				}
				if got := decodeBody[ErrorResponse](t, w); got.Error != tt.code {
					t.Errorf("error = %q, want %q", got.Error, tt.code)
				}
			})
		}
	})
}

func TestHandleValidateEndpoint(t *testing.T) {
	s := newTestServer(t)
	issued := requestToken(t, s, clientCredentialsForm("read write"))

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, PathValidate, nil)
		req.Header.Set("Authorization", "Bearer "+issued.AccessToken)
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		got := decodeBody[IntrospectionResponse](t, w)
		if !got.Active || got.ClientID != "c1" || got.UserID != ServiceAccountUser("c1") || got.Scope != "read write" {
			t.Errorf("response = %+v", got)
		}
		if got.TokenType != "Bearer" || got.Exp <= got.Iat || got.ExpiresIn <= 0 || got.ExpiresIn > 3600 {
			t.Errorf("timing fields = %+v", got)
		}
	})

	t.Run("token parameter", func(t *testing.T) {
		w := doForm(t, s, http.MethodPost, PathValidate, url.Values{"token": {issued.AccessToken}})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathValidate, nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
		got := decodeBody[map[string]any](t, w)
		if got["active"] != false || got["error"] != "missing token" {
			t.Errorf("response = %v", got)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, PathValidate, nil)
		req.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestHandleRevokeEndpoint(t *testing.T) {
	validate := func(s *Server, token string) int {
		req := httptest.NewRequest(http.MethodGet, PathValidate, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		s.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("revoke access token", func(t *testing.T) {
		s := newTestServer(t)
		issued := requestToken(t, s, clientCredentialsForm(""))

		w := doForm(t, s, http.MethodPost, PathRevoke, url.Values{
			"token": {issued.AccessToken}, "client_id": {"c1"}, "client_secret": {"s1"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		if code := validate(s, issued.AccessToken); code != http.StatusUnauthorized {
			t.Errorf("validate after revoke = %d, want 401", code)
		}
	})

	t.Run("revoke refresh token", func(t *testing.T) {
		s := newTestServer(t)
		issued := requestToken(t, s, url.Values{
			"grant_type": {GrantAuthorizationCode}, "code": {authorizeWeb(t, s, "read")},
			"redirect_uri": {testWebRedirect}, "client_id": {"web"}, "client_secret": {"web-secret"},
		})

		w := doForm(t, s, http.MethodPost, PathRevoke, url.Values{
			"token": {issued.RefreshToken}, "token_type_hint": {"refresh_token"},
		}, func(r *http.Request) { r.SetBasicAuth("web", "web-secret") })
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if code := validate(s, issued.AccessToken); code != http.StatusUnauthorized {
			t.Errorf("access token survived refresh revocation: %d", code)
		}
	})

	t.Run("other client's token is ignored", func(t *testing.T) {
		s := newTestServer(t)
		issued := requestToken(t, s, clientCredentialsForm(""))

		w := doForm(t, s, http.MethodPost, PathRevoke, url.Values{
			"token": {issued.AccessToken}, "client_id": {"short"}, "client_secret": {"short-secret"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if code := validate(s, issued.AccessToken); code != http.StatusOK {
			t.Errorf("foreign revoke took effect: %d", code)
		}
	})

	t.Run("unknown token is ok", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathRevoke, url.Values{
			"token": {"nope"}, "client_id": {"c1"}, "client_secret": {"s1"},
		})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d", w.Code)
		}
	})

	t.Run("requires client authentication", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathRevoke, url.Values{"token": {"x"}, "client_id": {"c1"}})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("requires token", func(t *testing.T) {
		s := newTestServer(t)
		w := doForm(t, s, http.MethodPost, PathRevoke, url.Values{"client_id": {"c1"}, "client_secret": {"s1"}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestHandleMetadata(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathMetadata, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody[map[string]any](t, w)
	if got["issuer"] != "https://auth.example.com" {
		t.Errorf("issuer = %v", got["issuer"])
	}
	if got["token_endpoint"] != "https://auth.example.com/oauth/token" {
		t.Errorf("token_endpoint = %v", got["token_endpoint"])
	}
	if got["revocation_endpoint"] != "https://auth.example.com/oauth/revoke" {
		t.Errorf("revocation_endpoint = %v", got["revocation_endpoint"])
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDenied(t *testing.T) {
	tests := []struct {
		params url.Values
		want   bool
	}{
		{url.Values{"action": {"deny"}}, true},
		{url.Values{"deny": {"true"}}, true},
		{url.Values{"deny": {"1"}}, true},
		{url.Values{"deny": {"on"}}, true},
		{url.Values{"deny": {"false"}}, false},
		{url.Values{"action": {"approve"}}, false},
		{url.Values{}, false},
	}
	for _, tt := range tests {
		if got := denied(tt.params); got != tt.want {
			t.Errorf("denied(%v) = %v, want %v", tt.params, got, tt.want)
		}
	}
}
