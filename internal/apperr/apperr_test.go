package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRPCCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code int
	}{
		{"validation maps to invalid params", Validation("bad"), -32602},
		{"not found maps to method not found", ToolNotFound("x.y"), -32601},
		{"rate limit maps to server error", RateLimit(3), -32000},
		{"timeout maps to server error", BackendTimeout("s", "tools/call"), -32000},
		{"auth maps to server error", Authentication("missing key"), -32000},
		{"unavailable maps to server error", BackendUnavailable("s"), -32000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.JSONRPCCode())
		})
	}
}

func TestAsThroughWrapping(t *testing.T) {
	inner := ToolNotFound("echo.say")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeToolNotFound, e.Code)
	assert.Equal(t, 404, e.Status)
	assert.Equal(t, "echo.say", e.Details["tool"])
}

func TestAsNonTaxonomy(t *testing.T) {
	_, ok := As(errors.New("plain"))
	assert.False(t, ok)
}

func TestDeterministicMessages(t *testing.T) {
	assert.Equal(t, "MCP server not found: xyz", ServerNotFound("xyz").Message)
	assert.Equal(t, "Rate limit exceeded. Retry after 5 seconds.", RateLimit(5).Message)
	assert.Equal(t, "Required parameter missing: name",
		Validation("Required parameter missing: name").Message)
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("broken pipe")
	err := ToolExecution("fs.read", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "broken pipe")
}
