package oauth

import (
	"fmt"
	"html/template"
	"net/http"
)

// User is the resource owner resolved during authorization.
type User struct {
	ID   string
	Name string
}

// UserAuthenticator resolves the resource owner behind an authorization
// request. Replacing it is the only change needed to plug in real login.
type UserAuthenticator interface {
	AuthenticateUser(r *http.Request) (*User, error)
}

// StaticUserAuthenticator resolves every request to the same principal.
type StaticUserAuthenticator struct {
	User User
}

// AuthenticateUser returns the configured principal.
func (a StaticUserAuthenticator) AuthenticateUser(*http.Request) (*User, error) {
	if a.User.ID == "" {
		return nil, fmt.Errorf("no principal configured")
	}
	u := a.User
	return &u, nil
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize {{.ClientName}}</h1>
<p>{{.ClientName}} is requesting access{{if .Scope}} with scope <code>{{.Scope}}</code>{{end}}.</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="response_type" value="code">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<button type="submit" name="action" value="approve">Allow</button>
<button type="submit" name="deny" value="true">Deny</button>
</form>
</body>
</html>
`))

type consentPage struct {
	Action      string
	ClientID    string
	ClientName  string
	RedirectURI string
	State       string
	Scope       string
}

var _ UserAuthenticator = StaticUserAuthenticator{}
