// Package auth handles the delegated credential used against the
// spreadsheet service. The credential itself is acquired out of band
// (the identity provider's consent flow); this package only caches it
// with its expiry and waits, bounded, for it to become available.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotAuthorized is returned when no valid credential shows up within
// the wait window.
var ErrNotAuthorized = errors.New("authorization not completed")

// acquisitionTimeout bounds how long callers wait for the consent flow
// to deposit a credential.
const acquisitionTimeout = 30 * time.Second

const pollEvery = time.Second

// TokenCache is a file-backed cache of the delegated credential. The
// consent flow writes the token file; the service reads it.
type TokenCache struct {
	path string
	mu   sync.Mutex
}

// NewTokenCache creates a cache at the given file path.
func NewTokenCache(path string) *TokenCache {
	return &TokenCache{path: path}
}

// Save persists a token, creating parent directories as needed.
func (c *TokenCache) Save(tok *oauth2.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load returns the cached token, or nil when the file is missing,
// unreadable or the token has expired.
func (c *TokenCache) Load() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil
	}
	if !tok.Valid() {
		return nil
	}
	return &tok
}

// Wait polls the cache until a valid token is available, bounded by the
// acquisition timeout. Fails with ErrNotAuthorized rather than hanging.
func (c *TokenCache) Wait(ctx context.Context) (*oauth2.Token, error) {
	deadline := time.Now().Add(acquisitionTimeout)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if tok := c.Load(); tok != nil {
			return tok, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAuthorized
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TokenSource returns an oauth2.TokenSource backed by the cache. It
// re-reads the file on expiry so a refreshed credential deposited by
// the consent flow is picked up without a restart.
func (c *TokenCache) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, cacheSource{cache: c})
}

type cacheSource struct {
	cache *TokenCache
}

func (s cacheSource) Token() (*oauth2.Token, error) {
	if tok := s.cache.Load(); tok != nil {
		return tok, nil
	}
	return nil, ErrNotAuthorized
}
