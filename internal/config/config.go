// Package config loads and validates the aggregator configuration. The
// backend file format is a superset of common MCP client configs so users can
// paste the same mcpServers block; unknown fields are ignored, never rejected.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/search-mcp/search-mcp-go/internal/logs"
)

const (
	// DefaultConfigPath is used when MCP_CONFIG_PATH is unset.
	DefaultConfigPath = "./config/mcp-servers.json"
	// DefaultKeysFile is used when AUTH_KEYS_FILE is unset.
	DefaultKeysFile = "./config/api-keys.json"
	// DefaultAuditLogFile is used when AUDIT_LOG_FILE is unset.
	DefaultAuditLogFile = "./logs/audit.log"

	// DefaultRequestTimeout bounds every backend request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultStartupTimeout bounds spawn plus the initialize handshake.
	DefaultStartupTimeout = 30 * time.Second
)

// BackendConfig describes one backend MCP server. Immutable after load.
type BackendConfig struct {
	Name    string            `json:"-"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// IsEnabled reports whether the backend should be started. Default true.
func (b *BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Validate checks the invariants the rest of the system relies on: the name
// is the namespace prefix of every qualified tool name, so the separator is
// reserved.
func (b *BackendConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}
	if strings.Contains(b.Name, ".") {
		return fmt.Errorf("backend name %q must not contain '.'", b.Name)
	}
	if b.Command == "" {
		return fmt.Errorf("backend %q: command cannot be empty", b.Name)
	}
	return nil
}

// Config is the full aggregator configuration after resolution.
type Config struct {
	Servers []*BackendConfig

	RequestTimeout time.Duration
	StartupTimeout time.Duration
	// Reconnect enables the exponential-backoff respawn policy for backends
	// that exit unexpectedly.
	Reconnect bool

	AuthEnabled  bool
	KeysFile     string
	AuditLogFile string

	// DataDir holds the response cache database. Empty disables the cache.
	DataDir string
	// CacheThreshold is the response size in bytes above which results are
	// cached and truncated. Zero means default.
	CacheThreshold int

	Logging *logs.Config
}

// DefaultConfig returns the zero-backend default configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: DefaultRequestTimeout,
		StartupTimeout: DefaultStartupTimeout,
		KeysFile:       DefaultKeysFile,
		AuditLogFile:   DefaultAuditLogFile,
		Logging:        logs.DefaultConfig(),
	}
}

// Validate checks all backends and the uniqueness of their names.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if err := srv.Validate(); err != nil {
			return err
		}
		if seen[srv.Name] {
			return fmt.Errorf("duplicate backend name %q", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}

// Backend returns the config for a named backend, or nil.
func (c *Config) Backend(name string) *BackendConfig {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv
		}
	}
	return nil
}
