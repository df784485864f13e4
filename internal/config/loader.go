package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// fileConfig is the on-disk shape. Extra top-level fields from other MCP
// clients decode into nothing and are ignored.
type fileConfig struct {
	MCPServers map[string]*BackendConfig `json:"mcpServers"`
}

func setupViper(v *viper.Viper) {
	v.SetDefault("config", DefaultConfigPath)
	v.SetDefault("auth.keys-file", DefaultKeysFile)
	v.SetDefault("audit.log-file", DefaultAuditLogFile)
	_ = v.BindEnv("config", "MCP_CONFIG_PATH")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("auth.keys-file", "AUTH_KEYS_FILE")
	_ = v.BindEnv("audit.log-file", "AUDIT_LOG_FILE")
	_ = v.BindEnv("data-dir", "MCP_DATA_DIR")
}

// Load resolves paths from the environment and loads the backend file.
// configPath overrides the resolution order when non-empty (CLI flag).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v)

	cfg := DefaultConfig()
	cfg.AuthEnabled = strings.EqualFold(v.GetString("auth.enabled"), "true")
	cfg.KeysFile = v.GetString("auth.keys-file")
	cfg.AuditLogFile = v.GetString("audit.log-file")
	cfg.DataDir = v.GetString("data-dir")

	if configPath == "" {
		configPath = v.GetString("config")
	}
	if err := loadBackendFile(configPath, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadBackendFile reads mcp-servers.json into cfg. Backend env values are
// expanded against the aggregator's environment at load time.
func loadBackendFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	names := make([]string, 0, len(fc.MCPServers))
	for name := range fc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		srv := fc.MCPServers[name]
		if srv == nil {
			continue
		}
		srv.Name = name
		srv.Env = ExpandEnvMap(srv.Env)
		cfg.Servers = append(cfg.Servers, srv)
	}
	return nil
}
