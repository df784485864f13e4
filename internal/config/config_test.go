package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp-servers.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBasic(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": {
			"echo": {"command": "echo-server", "args": ["--stdio"]},
			"fs": {"command": "fs-server", "enabled": false}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	echo := cfg.Backend("echo")
	require.NotNil(t, echo)
	assert.Equal(t, "echo-server", echo.Command)
	assert.Equal(t, []string{"--stdio"}, echo.Args)
	assert.True(t, echo.IsEnabled())

	fs := cfg.Backend("fs")
	require.NotNil(t, fs)
	assert.False(t, fs.IsEnabled())
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	path := writeConfig(t, `{
		"globalShortcut": "ctrl+space",
		"mcpServers": {
			"echo": {"command": "echo-server", "timeout": 99, "transport": "stdio"}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "echo", cfg.Servers[0].Name)
}

func TestLoadRejectsDottedName(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {"a.b": {"command": "x"}}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not contain '.'")
}

func TestLoadRejectsEmptyCommand(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {"a": {"args": ["x"]}}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command cannot be empty")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadExpandsEnvValues(t *testing.T) {
	t.Setenv("SEARCH_MCP_TEST_HOME", "/home/tester")

	path := writeConfig(t, `{
		"mcpServers": {
			"fs": {"command": "fs-server", "env": {
				"ROOT": "${SEARCH_MCP_TEST_HOME}/data",
				"MISSING": "${SEARCH_MCP_TEST_UNSET_VAR}"
			}}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	fs := cfg.Backend("fs")
	require.NotNil(t, fs)
	assert.Equal(t, "/home/tester/data", fs.Env["ROOT"])
	assert.Equal(t, "${SEARCH_MCP_TEST_UNSET_VAR}", fs.Env["MISSING"])
}

func TestLoadHonorsEnvPaths(t *testing.T) {
	path := writeConfig(t, `{"mcpServers": {}}`)
	t.Setenv("MCP_CONFIG_PATH", path)
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_KEYS_FILE", "/tmp/keys.json")
	t.Setenv("AUDIT_LOG_FILE", "/tmp/audit.log")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled)
	assert.Equal(t, "/tmp/keys.json", cfg.KeysFile)
	assert.Equal(t, "/tmp/audit.log", cfg.AuditLogFile)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SEARCH_MCP_A", "alpha")
	t.Setenv("SEARCH_MCP_B", "beta")

	assert.Equal(t, "alpha:beta", ExpandEnv("${SEARCH_MCP_A}:${SEARCH_MCP_B}"))
	assert.Equal(t, "plain", ExpandEnv("plain"))
	assert.Equal(t, "${NOT_A_VAR_SET_HERE}", ExpandEnv("${NOT_A_VAR_SET_HERE}"))
	// $VAR without braces is not an expansion token.
	assert.Equal(t, "$SEARCH_MCP_A", ExpandEnv("$SEARCH_MCP_A"))
}

func TestDuplicateNamesRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = []*BackendConfig{
		{Name: "a", Command: "x"},
		{Name: "a", Command: "y"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate backend name")
}
