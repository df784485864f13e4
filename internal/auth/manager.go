// Package auth validates opaque API keys and resolves permissions. Keys are
// stored hashed; the plaintext exists only at generation time and is returned
// once to the caller.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
)

// KeyPrefix marks every generated plaintext key.
const KeyPrefix = "smcp_"

// ApiKey is the persisted key record. The plaintext is never stored.
type ApiKey struct {
	ID          string     `json:"id"`
	HashedKey   string     `json:"hashedKey"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// Context is the per-request identity and permissions snapshot. It is
// constructed per request and never stored.
type Context struct {
	APIKeyID      string
	Permissions   []string
	Authenticated bool
}

// AnonymousContext is returned when auth is disabled: wildcard permission,
// not authenticated.
func AnonymousContext() *Context {
	return &Context{APIKeyID: "anonymous", Permissions: []string{"*"}, Authenticated: false}
}

// Manager owns the API key table. Reads are frequent (every request when auth
// is on), writes are rare (generate/revoke), hence the RWMutex.
type Manager struct {
	mu      sync.RWMutex
	enabled bool
	byHash  map[string]*ApiKey
	byID    map[string]*ApiKey
	path    string
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager loads the key file at path. A missing file disables auth even
// when it was requested; that is deliberate, so a half-configured deployment
// fails open to anonymous instead of locking every client out.
func NewManager(path string, requested bool, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		byHash: make(map[string]*ApiKey),
		byID:   make(map[string]*ApiKey),
		path:   path,
		logger: logger,
		now:    time.Now,
	}

	loaded, err := m.loadFile()
	if err != nil {
		return nil, err
	}
	m.enabled = requested && loaded
	if requested && !loaded {
		logger.Warn("auth requested but key file missing, auth disabled",
			zap.String("path", path))
	}
	return m, nil
}

// Enabled reports whether key validation is enforced.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Generate creates a key with the given permissions. Returns the record and
// the plaintext; the plaintext is not recoverable afterwards.
func (m *Manager) Generate(name string, permissions []string, expiresIn time.Duration) (*ApiKey, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", apperr.Configuration("failed to generate key material", err)
	}
	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(secret)

	key := &ApiKey{
		ID:          uuid.NewString(),
		HashedKey:   hashKey(plaintext),
		Name:        name,
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   m.now().UTC(),
		Enabled:     true,
	}
	if expiresIn > 0 {
		exp := key.CreatedAt.Add(expiresIn)
		key.ExpiresAt = &exp
	}

	m.mu.Lock()
	m.byHash[key.HashedKey] = key
	m.byID[key.ID] = key
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		return nil, "", err
	}
	m.logger.Info("generated api key", zap.String("id", key.ID), zap.String("name", name))
	return key, plaintext, nil
}

// Validate resolves a plaintext key to an authenticated context. With auth
// disabled it returns the anonymous wildcard context regardless of input.
func (m *Manager) Validate(plaintext string) (*Context, error) {
	if !m.Enabled() {
		return AnonymousContext(), nil
	}
	if plaintext == "" {
		return nil, apperr.Authentication("API key required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byHash[hashKey(plaintext)]
	if !ok {
		return nil, apperr.Authentication("Invalid API key")
	}
	if !key.Enabled {
		return nil, apperr.Authentication("API key is disabled")
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, apperr.Authentication("API key has expired")
	}

	used := m.now().UTC()
	key.LastUsedAt = &used

	return &Context{
		APIKeyID:      key.ID,
		Permissions:   append([]string(nil), key.Permissions...),
		Authenticated: true,
	}, nil
}

// HasPermission applies the matching rules in order: wildcard, exact match,
// then prefix patterns ending in ":*".
func HasPermission(ctx *Context, required string) bool {
	if ctx == nil {
		return false
	}
	for _, p := range ctx.Permissions {
		if p == "*" || p == required {
			return true
		}
	}
	for _, p := range ctx.Permissions {
		if strings.HasSuffix(p, ":*") || strings.HasSuffix(p, ".*") {
			prefix := p[:len(p)-1]
			if strings.HasPrefix(required, prefix) {
				return true
			}
		}
	}
	return false
}

// RequirePermission returns an AuthorizationError when ctx lacks required.
func RequirePermission(ctx *Context, required string) error {
	if HasPermission(ctx, required) {
		return nil
	}
	return apperr.Authorization(required)
}

// Revoke disables a key by id.
func (m *Manager) Revoke(id string) error {
	m.mu.Lock()
	key, ok := m.byID[id]
	if ok {
		key.Enabled = false
	}
	m.mu.Unlock()
	if !ok {
		return apperr.Authentication("Unknown API key id")
	}
	return m.Save()
}

// Keys returns a snapshot of all records, plaintext-free by construction.
func (m *Manager) Keys() []*ApiKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ApiKey, 0, len(m.byID))
	for _, k := range m.byID {
		copied := *k
		out = append(out, &copied)
	}
	return out
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
