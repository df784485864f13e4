package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
)

func newEnabledManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api-keys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"authEnabled":true,"apiKeys":[]}`), 0o600))

	m, err := NewManager(path, true, zap.NewNop())
	require.NoError(t, err)
	require.True(t, m.Enabled())
	return m
}

func TestMissingFileDisablesAuth(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "nope.json"), true, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	ctx, err := m.Validate("anything")
	require.NoError(t, err)
	assert.False(t, ctx.Authenticated)
	assert.Equal(t, []string{"*"}, ctx.Permissions)
}

func TestGenerateAndValidate(t *testing.T) {
	m := newEnabledManager(t)

	key, plaintext, err := m.Generate("ci", []string{"tools:*"}, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, KeyPrefix))
	assert.NotContains(t, key.HashedKey, plaintext)
	assert.Len(t, key.HashedKey, 64) // hex sha-256

	ctx, err := m.Validate(plaintext)
	require.NoError(t, err)
	assert.True(t, ctx.Authenticated)
	assert.Equal(t, key.ID, ctx.APIKeyID)
	assert.Equal(t, []string{"tools:*"}, ctx.Permissions)
}

func TestValidateRejections(t *testing.T) {
	m := newEnabledManager(t)

	_, err := m.Validate("")
	requireAuthError(t, err, "API key required")

	_, err = m.Validate("smcp_bogus")
	requireAuthError(t, err, "Invalid API key")

	key, plaintext, err := m.Generate("revoked", nil, 0)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(key.ID))
	_, err = m.Validate(plaintext)
	requireAuthError(t, err, "API key is disabled")
}

func TestExpiredKeyRejected(t *testing.T) {
	m := newEnabledManager(t)

	_, plaintext, err := m.Generate("short-lived", nil, time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.Validate(plaintext)
	requireAuthError(t, err, "API key has expired")
}

func TestValidateUpdatesLastUsed(t *testing.T) {
	m := newEnabledManager(t)

	key, plaintext, err := m.Generate("k", nil, 0)
	require.NoError(t, err)
	require.Nil(t, key.LastUsedAt)

	_, err = m.Validate(plaintext)
	require.NoError(t, err)

	for _, k := range m.Keys() {
		if k.ID == key.ID {
			assert.NotNil(t, k.LastUsedAt)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-keys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"authEnabled":true,"apiKeys":[]}`), 0o600))

	m1, err := NewManager(path, true, zap.NewNop())
	require.NoError(t, err)
	key, plaintext, err := m1.Generate("roundtrip", []string{"tools:echo.*", "audit:read"}, time.Hour)
	require.NoError(t, err)

	m2, err := NewManager(path, true, zap.NewNop())
	require.NoError(t, err)

	keys := m2.Keys()
	require.Len(t, keys, 1)
	got := keys[0]
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, key.HashedKey, got.HashedKey)
	assert.Equal(t, key.Name, got.Name)
	assert.Equal(t, key.Permissions, got.Permissions)
	assert.Equal(t, key.Enabled, got.Enabled)
	assert.True(t, key.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, key.ExpiresAt.Equal(*got.ExpiresAt))

	// And the reloaded store still validates the original plaintext.
	ctx, err := m2.Validate(plaintext)
	require.NoError(t, err)
	assert.True(t, ctx.Authenticated)
}

func TestPlaintextNeverPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-keys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"authEnabled":true,"apiKeys":[]}`), 0o600))

	m, err := NewManager(path, true, zap.NewNop())
	require.NoError(t, err)
	_, plaintext, err := m.Generate("secret", nil, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), plaintext)
}

func TestPermissionMatching(t *testing.T) {
	tests := []struct {
		perms    []string
		required string
		allowed  bool
	}{
		{[]string{"*"}, "tools:anything", true},
		{[]string{"tools:search"}, "tools:search", true},
		{[]string{"tools:search"}, "tools:other", false},
		{[]string{"tools:*"}, "tools:search", true},
		{[]string{"tools:*"}, "audit:read", false},
		{[]string{"tools:echo.*"}, "tools:echo.say", true},
		{[]string{"tools:echo.*"}, "tools:other.say", false},
		{[]string{}, "tools:search", false},
	}

	for _, tt := range tests {
		ctx := &Context{Permissions: tt.perms, Authenticated: true}
		assert.Equal(t, tt.allowed, HasPermission(ctx, tt.required),
			"perms=%v required=%s", tt.perms, tt.required)
	}
}

func TestRequirePermission(t *testing.T) {
	ctx := &Context{Permissions: []string{"tools:a"}, Authenticated: true}

	assert.NoError(t, RequirePermission(ctx, "tools:a"))

	err := RequirePermission(ctx, "tools:b")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeAuthorization, e.Code)
}

// Exact permissions always match themselves, and a grant never matches a
// required permission it is not a prefix-pattern for.
func TestPermissionMatchingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		segment := rapid.StringMatching(`[a-z]{1,8}`)
		perm := segment.Draw(rt, "scope") + ":" + segment.Draw(rt, "action")

		ctx := &Context{Permissions: []string{perm}}
		if !HasPermission(ctx, perm) {
			rt.Fatalf("exact permission %q did not match itself", perm)
		}

		other := segment.Draw(rt, "otherScope") + "!" + segment.Draw(rt, "otherAction")
		if other != perm && HasPermission(ctx, other) {
			rt.Fatalf("permission %q unexpectedly matched %q", perm, other)
		}
	})
}

func requireAuthError(t *testing.T, err error, message string) {
	t.Helper()
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeAuthentication, e.Code)
	assert.Equal(t, message, e.Message)
}
