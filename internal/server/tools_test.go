package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchToolsEmptyQueryPagesCatalog(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	page := decodeEnvelope(t, env.call(t, 40, "search_tools", nil))
	assert.EqualValues(t, 3, page["total"])
	results := page["results"].([]interface{})
	require.Len(t, results, 3)

	page = decodeEnvelope(t, env.call(t, 41, "search_tools", map[string]interface{}{
		"limit": float64(2), "offset": float64(2),
	}))
	assert.EqualValues(t, 3, page["total"])
	assert.Len(t, page["results"].([]interface{}), 1)
}

func TestSearchToolsFindsByName(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	page := decodeEnvelope(t, env.call(t, 42, "search_tools", map[string]interface{}{
		"query": "big",
	}))
	results := page["results"].([]interface{})
	require.NotEmpty(t, results)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "echo.big", first["name"])
}

func TestSearchToolsRejectsBadArguments(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	resp := env.call(t, 43, "search_tools", map[string]interface{}{"mode": "regex"})
	require.NotNil(t, resp.Error)
	code, _ := errorData(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", code)

	resp = env.call(t, 44, "search_tools", map[string]interface{}{"bogus": true})
	require.NotNil(t, resp.Error)
	code, _ = errorData(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestAdvancedSearchRestrictsToServer(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	page := decodeEnvelope(t, env.call(t, 45, "advanced_search", map[string]interface{}{
		"serverName": "echo",
	}))
	assert.EqualValues(t, 3, page["total"])

	page = decodeEnvelope(t, env.call(t, 46, "advanced_search", map[string]interface{}{
		"serverName": "nosuch",
	}))
	assert.EqualValues(t, 0, page["total"])
}

func TestListServers(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	out := decodeEnvelope(t, env.call(t, 47, "list_servers", nil))
	assert.EqualValues(t, 1, out["totalServers"])
	assert.EqualValues(t, 1, out["runningServers"])
	assert.EqualValues(t, 3, out["totalTools"])

	servers := out["servers"].([]interface{})
	require.Len(t, servers, 1)
	first := servers[0].(map[string]interface{})
	assert.Equal(t, "echo", first["name"])
	assert.Equal(t, true, first["running"])
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, envOptions{withCache: true, threshold: 1024})
	env.initialize(t)

	out := decodeEnvelope(t, env.call(t, 48, "health_check", nil))
	assert.Equal(t, "healthy", out["status"])

	names := make(map[string]string)
	for _, raw := range out["checks"].([]interface{}) {
		check := raw.(map[string]interface{})
		names[check["name"].(string)] = check["status"].(string)
		assert.Nil(t, check["detail"])
	}
	for _, expected := range []string{"backends", "memory", "cache", "audit"} {
		assert.Equal(t, "pass", names[expected], expected)
	}

	out = decodeEnvelope(t, env.call(t, 49, "health_check", map[string]interface{}{"detailed": true}))
	for _, raw := range out["checks"].([]interface{}) {
		check := raw.(map[string]interface{})
		switch check["name"] {
		case "memory":
			assert.NotNil(t, check["detail"])
		case "backends":
			detail := check["detail"].(map[string]interface{})
			ping := detail["ping"].(map[string]interface{})
			assert.Equal(t, "ok", ping["echo"], "running backend must answer ping")
		}
	}
}

func TestQueryAuditLogs(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	resp := env.call(t, 50, "echo.say", map[string]interface{}{"text": "x"})
	require.Nil(t, resp.Error)

	out := decodeEnvelope(t, env.call(t, 51, "query_audit_logs", map[string]interface{}{
		"type": "tool_execution", "result": "success",
	}))
	assert.Greater(t, out["count"].(float64), 0.0)
	events := out["events"].([]interface{})
	first := events[0].(map[string]interface{})
	assert.Equal(t, "tools/call", first["action"])
	assert.NotEmpty(t, first["id"])
}

func TestQueryAuditLogsRejectsBadTimestamp(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	resp := env.call(t, 52, "query_audit_logs", map[string]interface{}{
		"startDate": "yesterday",
	})
	require.NotNil(t, resp.Error)
	code, _ := errorData(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestAuditStats(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	resp := env.call(t, 53, "echo.say", map[string]interface{}{"text": "x"})
	require.Nil(t, resp.Error)

	out := decodeEnvelope(t, env.call(t, 54, "get_audit_stats", nil))
	assert.Greater(t, out["totalEvents"].(float64), 0.0)
	byType := out["byType"].(map[string]interface{})
	assert.Contains(t, byType, "tool_execution")
}

func TestRateLimitStats(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	resp := env.call(t, 55, "echo.say", map[string]interface{}{"text": "x"})
	require.Nil(t, resp.Error)

	out := decodeEnvelope(t, env.call(t, 56, "get_rate_limit_stats", nil))
	assert.Greater(t, out["activeBuckets"].(float64), 0.0)
	assert.Contains(t, out["tiers"].(map[string]interface{}), "default")
}

func TestExecuteParallelContinueOnError(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	out := decodeEnvelope(t, env.call(t, 57, "execute_parallel", map[string]interface{}{
		"requests": []interface{}{
			map[string]interface{}{"id": "a", "toolName": "echo.say", "arguments": map[string]interface{}{"text": "one"}},
			map[string]interface{}{"toolName": "echo.fail"},
			map[string]interface{}{"id": "c", "toolName": "echo.say", "arguments": map[string]interface{}{"text": "three"}},
		},
	}))

	assert.EqualValues(t, 3, out["total"])
	assert.EqualValues(t, 2, out["succeeded"])
	assert.EqualValues(t, 1, out["failed"])

	results := out["results"].([]interface{})
	require.Len(t, results, 3)

	first := results[0].(map[string]interface{})
	assert.Equal(t, "a", first["id"])
	assert.Equal(t, true, first["success"])

	second := results[1].(map[string]interface{})
	assert.Equal(t, false, second["success"])
	errObj := second["error"].(map[string]interface{})
	assert.Equal(t, "TOOL_EXECUTION_ERROR", errObj["code"])

	third := results[2].(map[string]interface{})
	assert.Equal(t, "c", third["id"])
	assert.Equal(t, true, third["success"])
}

func TestExecuteParallelStopsOnFirstFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	out := decodeEnvelope(t, env.call(t, 58, "execute_parallel", map[string]interface{}{
		"continueOnError": false,
		"requests": []interface{}{
			map[string]interface{}{"toolName": "echo.fail"},
			map[string]interface{}{"toolName": "echo.say", "arguments": map[string]interface{}{"text": "never"}},
		},
	}))

	assert.EqualValues(t, 1, out["total"])
	assert.EqualValues(t, 1, out["failed"])
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "echo.fail", results[0].(map[string]interface{})["toolName"])
}

func TestExecuteParallelValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.initialize(t)

	resp := env.call(t, 59, "execute_parallel", nil)
	require.NotNil(t, resp.Error)
	code, _ := errorData(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", code)

	resp = env.call(t, 60, "execute_parallel", map[string]interface{}{
		"requests": []interface{}{map[string]interface{}{"arguments": map[string]interface{}{}}},
	})
	require.NotNil(t, resp.Error)
	code, _ = errorData(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestReadCachePaging(t *testing.T) {
	env := newTestEnv(t, envOptions{withCache: true, threshold: 1024})
	env.initialize(t)

	payload := decodeEnvelope(t, env.call(t, 61, "echo.big", nil))
	key := payload["cacheKey"].(string)
	total := int(payload["totalSize"].(float64))

	var rebuilt string
	offset := 0
	for {
		chunk := decodeEnvelope(t, env.call(t, 62, "read_cache", map[string]interface{}{
			"key": key, "offset": float64(offset), "limit": float64(1000),
		}))
		content := chunk["content"].(string)
		rebuilt += content
		offset += len(content)
		if chunk["hasMore"] != true {
			break
		}
	}
	assert.Len(t, rebuilt, total)
}

func TestReadCacheUnknownKey(t *testing.T) {
	env := newTestEnv(t, envOptions{withCache: true, threshold: 1024})
	env.initialize(t)

	resp := env.call(t, 63, "read_cache", map[string]interface{}{"key": "nope"})
	require.NotNil(t, resp.Error)
	code, _ := errorData(t, resp)
	assert.Equal(t, "VALIDATION_ERROR", code)
}
