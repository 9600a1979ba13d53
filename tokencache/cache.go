package tokencache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// snapshot is the persisted form of the cache. The fingerprint pins the
// snapshot to the credential that produced it.
type snapshot struct {
	Fingerprint string      `json:"fingerprint"`
	Token       AccessToken `json:"token"`
}

// Cache holds the single access-token slot for one credential, plus an
// optional snapshot file that lets a restarted process skip the first
// network exchange.
type Cache struct {
	mu          sync.Mutex
	token       AccessToken
	loaded      bool
	fingerprint string
	path        string
}

type Option func(*Cache)

// WithPath enables snapshot persistence at the given file path.
func WithPath(path string) Option {
	return func(c *Cache) {
		c.path = path
	}
}

func New(fingerprint string, options ...Option) *Cache {
	c := &Cache{fingerprint: fingerprint}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Get returns the current token, if any has been stored.
func (c *Cache) Get() (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.loaded
}

// Set replaces the current token.
func (c *Cache) Set(token AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.loaded = true
}

// Persist writes the current token to the snapshot file. A cache with
// no path configured persists nothing and reports no error. Failures
// here never fail token acquisition; the caller logs them.
func (c *Cache) Persist() error {
	c.mu.Lock()
	snap := snapshot{Fingerprint: c.fingerprint, Token: c.token}
	loaded := c.loaded
	path := c.path
	c.mu.Unlock()

	if path == "" || !loaded {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode token snapshot")
	}

	// Write-then-rename so a crash mid-write never leaves a corrupt
	// snapshot behind.
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create snapshot directory")
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write token snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "replace token snapshot")
	}
	return nil
}

// Restore loads the snapshot file, if present, and adopts its token
// when the credential fingerprint matches and the token is still usable
// at now given the skew margin. Absence, corruption, mismatch or expiry
// all yield a miss, never an error.
func (c *Cache) Restore(now time.Time, skew time.Duration) (AccessToken, bool) {
	c.mu.Lock()
	path := c.path
	c.mu.Unlock()

	if path == "" {
		return AccessToken{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return AccessToken{}, false
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return AccessToken{}, false
	}
	if snap.Fingerprint != c.fingerprint {
		return AccessToken{}, false
	}
	if !snap.Token.Usable(now, skew) {
		return AccessToken{}, false
	}

	c.mu.Lock()
	c.token = snap.Token
	c.loaded = true
	c.mu.Unlock()
	return snap.Token, true
}
