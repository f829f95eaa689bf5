package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// maxSecretLength is the longest secret bcrypt can compare exactly.
const maxSecretLength = 72

// ClientSpec describes a client as it appears in configuration, with its
// secret in plaintext.
type ClientSpec struct {
	ID                   string
	Secret               string // #nosec G117 -- hashed before storage
	Name                 string
	GrantTypes           []string
	RedirectURIs         []string
	Scopes               []string
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
}

// Registry is the static set of registered clients. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry hashes each client secret and builds the registry.
func NewRegistry(specs ...ClientSpec) (*Registry, error) {
	return newRegistry(bcrypt.DefaultCost, specs)
}

func newRegistry(cost int, specs []ClientSpec) (*Registry, error) {
	r := &Registry{clients: make(map[string]*Client, len(specs))}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("client id is required")
		}
		if _, exists := r.clients[spec.ID]; exists {
			return nil, fmt.Errorf("client %q registered twice", spec.ID)
		}
		if spec.Secret == "" {
			return nil, fmt.Errorf("client %q: secret is required", spec.ID)
		}
		if len(spec.Secret) > maxSecretLength {
			return nil, fmt.Errorf("client %q: secret longer than %d bytes", spec.ID, maxSecretLength)
		}
		for _, grant := range spec.GrantTypes {
			if !slices.Contains(supportedGrantTypes, grant) {
				return nil, fmt.Errorf("client %q: unsupported grant type %q", spec.ID, grant)
			}
		}
		if slices.Contains(spec.GrantTypes, GrantAuthorizationCode) && len(spec.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %q: authorization_code requires at least one redirect URI", spec.ID)
		}

		hashed, err := bcrypt.GenerateFromPassword([]byte(spec.Secret), cost)
		if err != nil {
			return nil, fmt.Errorf("hashing secret for client %q: %w", spec.ID, err)
		}

		r.clients[spec.ID] = &Client{
			ClientID:             spec.ID,
			ClientSecret:         string(hashed),
			Name:                 spec.Name,
			RedirectURIs:         slices.Clone(spec.RedirectURIs),
			GrantTypes:           slices.Clone(spec.GrantTypes),
			Scopes:               slices.DeleteFunc(slices.Clone(spec.Scopes), func(l string) bool { return l == "" }),
			AccessTokenLifetime:  spec.AccessTokenLifetime,
			RefreshTokenLifetime: spec.RefreshTokenLifetime,
		}
	}
	return r, nil
}

var supportedGrantTypes = []string{GrantAuthorizationCode, GrantClientCredentials, GrantRefreshToken}

// Lookup returns the client with the given id. When checkSecret is set the
// supplied secret must match the registered one exactly.
func (r *Registry) Lookup(clientID, secret string, checkSecret bool) (*Client, error) {
	client, ok := r.clients[clientID]
	if !ok {
		return nil, ErrInvalidClient("unknown client")
	}
	if !checkSecret {
		return client, nil
	}
	if secret == "" || len(secret) > maxSecretLength {
		return nil, ErrInvalidClient("invalid client credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecret), []byte(secret)); err != nil {
		return nil, ErrInvalidClient("invalid client credentials")
	}
	return client, nil
}

// Clients returns the registered client ids in sorted order.
func (r *Registry) Clients() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// generateSecureToken generates a cryptographically secure token.
func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
