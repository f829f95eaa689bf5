package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenBytes is the entropy of opaque tokens and codes (256 bits).
const tokenBytes = 32

// AccessTokenClaims is what an access token value may encode about itself.
type AccessTokenClaims struct {
	ID        string
	ClientID  string
	UserID    string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenGenerator produces access token values. The store remains the
// authority on validity whatever the format.
type TokenGenerator interface {
	AccessToken(claims AccessTokenClaims) (string, error)
}

// OpaqueGenerator produces random, meaningless access tokens.
type OpaqueGenerator struct{}

// AccessToken returns a random URL-safe token.
func (OpaqueGenerator) AccessToken(AccessTokenClaims) (string, error) {
	return generateSecureToken(tokenBytes)
}

// JWTGenerator produces HS256-signed access tokens.
type JWTGenerator struct {
	Issuer     string
	SigningKey []byte
}

// NewJWTGenerator creates a JWT generator.
func NewJWTGenerator(issuer string, signingKey []byte) (*JWTGenerator, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes")
	}
	return &JWTGenerator{Issuer: issuer, SigningKey: signingKey}, nil
}

type accessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// AccessToken signs the claims into a compact JWT.
func (g *JWTGenerator) AccessToken(c AccessTokenClaims) (string, error) {
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ID,
			Issuer:    g.Issuer,
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		ClientID: c.ClientID,
		Scope:    c.Scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

var (
	_ TokenGenerator = OpaqueGenerator{}
	_ TokenGenerator = (*JWTGenerator)(nil)
)
