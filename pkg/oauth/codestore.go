package oauth

import (
	"sync"
	"time"
)

// CodeStore holds pending authorization codes in memory. Codes are not
// persisted and are lost on restart.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
}

// NewCodeStore creates an empty code store.
func NewCodeStore() *CodeStore {
	return &CodeStore{
		codes: make(map[string]*AuthorizationCode),
	}
}

// Save stores an authorization code.
func (s *CodeStore) Save(code *AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = code
}

// Take removes and returns an authorization code. A second Take for the
// same code returns ErrCodeNotFound.
func (s *CodeStore) Take(code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	delete(s.codes, code)
	return authCode, nil
}

// Cleanup removes expired codes and returns how many were removed.
func (s *CodeStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, code := range s.codes {
		if code.ExpiresAt.Before(now) {
			delete(s.codes, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending codes.
func (s *CodeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}
