// Package file provides durable flat-file storage for OAuth tokens.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"

	"github.com/txn2/oauth-proxy/pkg/oauth"
)

// lockTimeout is the maximum time to wait for the file lock.
const lockTimeout = 5 * time.Second

// lockRetry is how often a contended lock is retried.
const lockRetry = 50 * time.Millisecond

// Store implements oauth.TokenPersister on a single JSON file. Every Save
// replaces the whole file through a rename, under an advisory lock on
// "<path>.lock".
type Store struct {
	path string
	lock *flock.Flock
}

// New creates a file store for path. The parent directory is created on
// first save.
func New(path string) *Store {
	path = filepath.Clean(path)
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the token set. A missing file is an empty set.
func (s *Store) Load(ctx context.Context) ([]*oauth.Token, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}
	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// #nosec G304 -- path comes from server configuration
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []*oauth.Token{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []*oauth.Token{}, nil
	}
	return Decode(data)
}

// Check reports whether the token file is usable without reading it: the
// path must not be a directory and a shared lock must be obtainable. A
// missing file or directory is fine; Save creates both.
func (s *Store) Check(ctx context.Context) error {
	info, err := os.Stat(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if _, err := os.Stat(filepath.Dir(s.path)); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	case err != nil:
		return fmt.Errorf("checking token file: %w", err)
	case info.IsDir():
		return fmt.Errorf("token file %s is a directory", s.path)
	}

	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	unlock()
	return nil
}

// Save replaces the stored set with tokens.
func (s *Store) Save(ctx context.Context, tokens []*oauth.Token) error {
	data, err := Encode(tokens)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing token file: %w", err)
	}
	return nil
}

func (s *Store) acquire(ctx context.Context, shared bool) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if shared {
		locked, err = s.lock.TryRLockContext(lockCtx, lockRetry)
	} else {
		locked, err = s.lock.TryLockContext(lockCtx, lockRetry)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire token file lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire token file lock: timeout after %v", lockTimeout)
	}
	return func() { _ = s.lock.Unlock() }, nil
}

// Encode serializes a token set. Timestamps are RFC 3339 with nanoseconds.
func Encode(tokens []*oauth.Token) ([]byte, error) {
	if tokens == nil {
		tokens = []*oauth.Token{}
	}
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tokens: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a token set written by Encode.
func Decode(data []byte) ([]*oauth.Token, error) {
	tokens := []*oauth.Token{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}
	return slices.DeleteFunc(tokens, func(t *oauth.Token) bool { return t == nil }), nil
}

// Verify Store implements oauth.TokenPersister.
var _ oauth.TokenPersister = (*Store)(nil)
