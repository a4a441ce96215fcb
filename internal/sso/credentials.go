// Package sso persists and caches SSO credentials used by the proxy to
// authenticate upstream requests. Credentials are stored per base URL as
// sso-{hash}.json blobs; expired blobs are deleted on read so a stale cookie
// never reaches the wire.
package sso

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"codemie/internal/config"
	codemieerr "codemie/internal/errors"
	"codemie/internal/logging"
)

// Credentials is the persisted SSO state for one base URL.
type Credentials struct {
	Cookies   map[string]string `json:"cookies"`
	APIURL    string            `json:"apiUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Expired reports whether the credentials are past their expiry. A zero
// expiry never expires.
func (c *Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CookieHeader renders the cookies as a single Cookie header value.
func (c *Credentials) CookieHeader() string {
	out := ""
	for name, value := range c.Cookies {
		if out != "" {
			out += "; "
		}
		out += name + "=" + value
	}
	return out
}

const cacheSize = 8

// Store reads and writes credential blobs with a process-wide cache in front
// of the disk.
type Store struct {
	dir   string
	mu    sync.Mutex
	cache *lru.Cache[string, *Credentials]
	log   *logging.Logger
	now   func() time.Time
}

// NewStore creates a store rooted at the default credentials directory.
func NewStore() *Store {
	return NewStoreAt(config.CredentialsDir())
}

// NewStoreAt creates a store rooted at dir.
func NewStoreAt(dir string) *Store {
	cache, _ := lru.New[string, *Credentials](cacheSize)
	return &Store{
		dir:   dir,
		cache: cache,
		log:   logging.NewComponentLogger("CredentialStore"),
		now:   time.Now,
	}
}

// keyFor derives the stable file key for a base URL.
func keyFor(baseURL string) string {
	sum := sha256.Sum256([]byte(baseURL))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *Store) path(baseURL string) string {
	return filepath.Join(s.dir, "sso-"+keyFor(baseURL)+".json")
}

// Load returns the credentials for baseURL, or nil when none exist. Expired
// credentials are deleted and reported as absent.
func (s *Store) Load(baseURL string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyFor(baseURL)
	if creds, ok := s.cache.Get(key); ok {
		if creds.Expired(s.now()) {
			s.evictLocked(baseURL, key)
			return nil, nil
		}
		return creds, nil
	}

	data, err := os.ReadFile(s.path(baseURL))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, codemieerr.Wrap(codemieerr.KindAuth, err, "read credentials")
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		// an unreadable blob is as good as no blob; drop it
		s.log.Warn("discarding corrupt credential blob for %s: %v", baseURL, err)
		s.evictLocked(baseURL, key)
		return nil, nil
	}
	if creds.Expired(s.now()) {
		s.log.Info("credentials for %s expired, removing", baseURL)
		s.evictLocked(baseURL, key)
		return nil, nil
	}
	s.cache.Add(key, &creds)
	return &creds, nil
}

// Save persists credentials for baseURL and refreshes the cache. The blob is
// written owner-only.
func (s *Store) Save(baseURL string, creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return codemieerr.Wrap(codemieerr.KindAuth, err, "create credentials directory")
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return codemieerr.Wrap(codemieerr.KindAuth, err, "encode credentials")
	}
	if err := os.WriteFile(s.path(baseURL), data, 0o600); err != nil {
		return codemieerr.Wrap(codemieerr.KindAuth, err, "write credentials")
	}
	s.cache.Add(keyFor(baseURL), creds)
	return nil
}

// Evict removes the credentials for baseURL from cache and disk. The proxy
// calls this when upstream answers 401 or 403.
func (s *Store) Evict(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(baseURL, keyFor(baseURL))
}

func (s *Store) evictLocked(baseURL, key string) {
	s.cache.Remove(key)
	if err := os.Remove(s.path(baseURL)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove credential blob for %s: %v", baseURL, err)
	}
}
