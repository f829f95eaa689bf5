package oauth

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// TokenStore is the in-process table of issued tokens. Every mutation
// rewrites the complete set through the TokenPersister before returning.
// It is safe for concurrent use.
type TokenStore struct {
	mu        sync.Mutex
	tokens    []*Token
	persister TokenPersister
}

// NewTokenStore creates a token store and loads the persisted set.
// A nil persister keeps tokens in memory only.
func NewTokenStore(ctx context.Context, persister TokenPersister) (*TokenStore, error) {
	s := &TokenStore{persister: persister}
	if persister == nil {
		return s, nil
	}
	tokens, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}
	s.tokens = tokens
	return s, nil
}

// Issue inserts a token, evicting any token held by the same client and
// user. The earlier token stops authenticating as soon as this returns.
func (s *TokenStore) Issue(ctx context.Context, token *Token) error {
	if err := token.validate(); err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(s.tokens), func(t *Token) bool {
		return t.ClientID == token.ClientID && t.UserID == token.UserID
	})
	next = append(next, token)
	return s.commit(ctx, next)
}

// LookupAccessToken returns the live token for an access token value.
// Expired tokens are never returned; they are removed by LookupRefreshToken
// or PurgeExpired.
func (s *TokenStore) LookupAccessToken(_ context.Context, accessToken string) (*Token, error) {
	if accessToken == "" {
		return nil, ErrTokenNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.tokens, func(t *Token) bool { return t.AccessToken == accessToken })
	if idx < 0 {
		return nil, ErrTokenNotFound
	}
	token := s.tokens[idx]
	if err := token.validate(); err != nil {
		return nil, fmt.Errorf("token %s: %w", token.ID, err)
	}
	if token.AccessExpired(time.Now()) {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

// LookupRefreshToken returns the token owning a live refresh token.
// An expired refresh token is evicted and the set persisted.
func (s *TokenStore) LookupRefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, ErrTokenNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.tokens, func(t *Token) bool { return t.RefreshToken == refreshToken })
	if idx < 0 {
		return nil, ErrTokenNotFound
	}
	token := s.tokens[idx]
	if err := token.validate(); err != nil {
		return nil, fmt.Errorf("token %s: %w", token.ID, err)
	}
	if !token.RefreshUsable(time.Now()) {
		next := slices.Delete(slices.Clone(s.tokens), idx, idx+1)
		if err := s.commit(ctx, next); err != nil {
			return nil, err
		}
		return nil, ErrTokenNotFound
	}
	return token, nil
}

// Rotate redeems a refresh token. Under one critical section it finds the
// live token owning refreshToken, asks mint for its replacement and stores
// that replacement in place of every token the same client and user hold.
// A refresh token can therefore be redeemed at most once. Errors from mint
// are returned unchanged and leave the set untouched.
func (s *TokenStore) Rotate(ctx context.Context, refreshToken string, mint func(old *Token) (*Token, error)) (*Token, error) {
	if refreshToken == "" {
		return nil, ErrTokenNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.tokens, func(t *Token) bool { return t.RefreshToken == refreshToken })
	if idx < 0 {
		return nil, ErrTokenNotFound
	}
	old := s.tokens[idx]
	if err := old.validate(); err != nil {
		return nil, fmt.Errorf("token %s: %w", old.ID, err)
	}
	if !old.RefreshUsable(time.Now()) {
		next := slices.Delete(slices.Clone(s.tokens), idx, idx+1)
		if err := s.commit(ctx, next); err != nil {
			return nil, err
		}
		return nil, ErrTokenNotFound
	}

	token, err := mint(old)
	if err != nil {
		return nil, err
	}
	if err := token.validate(); err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}

	next := slices.DeleteFunc(slices.Clone(s.tokens), func(t *Token) bool {
		return t == old || (t.ClientID == token.ClientID && t.UserID == token.UserID)
	})
	next = append(next, token)
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return token, nil
}

// Revoke removes the token holding the given refresh token. Revoking an
// unknown token is not an error.
func (s *TokenStore) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.removeWhere(ctx, func(t *Token) bool { return t.RefreshToken == refreshToken })
}

// RevokeAccessToken removes the token holding the given access token.
func (s *TokenStore) RevokeAccessToken(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	return s.removeWhere(ctx, func(t *Token) bool { return t.AccessToken == accessToken })
}

// PurgeExpired removes tokens that can no longer be used for anything and
// returns how many were removed.
func (s *TokenStore) PurgeExpired(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.tokens)
	next := slices.DeleteFunc(slices.Clone(s.tokens), func(t *Token) bool { return t.Dead(now) })
	removed := before - len(next)
	if removed == 0 {
		return 0, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return 0, err
	}
	return removed, nil
}

// Len returns the number of stored tokens, including expired ones not yet evicted.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *TokenStore) removeWhere(ctx context.Context, match func(*Token) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(s.tokens), match)
	if len(next) == len(s.tokens) {
		return nil
	}
	return s.commit(ctx, next)
}

// commit persists next and only then makes it the current set, so a failed
// write leaves memory and storage in agreement. Callers hold s.mu.
func (s *TokenStore) commit(ctx context.Context, next []*Token) error {
	if s.persister != nil {
		if err := s.persister.Save(ctx, next); err != nil {
			return fmt.Errorf("persisting tokens: %w", err)
		}
	}
	s.tokens = next
	return nil
}
