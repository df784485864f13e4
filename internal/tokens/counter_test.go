package tokens

import (
	"errors"
	"testing"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fallbackCounter simulates an environment where encoding data cannot be
// loaded, which must never break counting.
func fallbackCounter() *Counter {
	c := NewCounter(zap.NewNop())
	c.load = func() (*tiktoken.Tiktoken, error) {
		return nil, errors.New("encoding data unavailable")
	}
	return c
}

func TestFallbackCountApproximates(t *testing.T) {
	c := fallbackCounter()

	assert.True(t, c.Approximate())
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("12345678"))
	assert.Equal(t, 3, c.Count("123456789"))
}

func TestCountJSONSerializesFirst(t *testing.T) {
	c := fallbackCounter()

	// {"a":"bb"} is 10 characters.
	assert.Equal(t, 3, c.CountJSON(map[string]string{"a": "bb"}))
	assert.Equal(t, 0, c.CountJSON(func() {})) // unmarshalable
}

func TestCatalogSavings(t *testing.T) {
	c := fallbackCounter()

	full := map[string]string{"name": "fs.read_file", "schema": "a very long schema body here"}
	light := map[string]string{"name": "fs.read_file"}

	s := c.CatalogSavings(full, light)
	assert.True(t, s.Approximate)
	assert.Greater(t, s.FullTokens, s.LightTokens)
	assert.Equal(t, s.FullTokens-s.LightTokens, s.SavedTokens)
	assert.InDelta(t, float64(s.SavedTokens)/float64(s.FullTokens)*100, s.SavedPercent, 0.001)
}

func TestCatalogSavingsNeverNegative(t *testing.T) {
	c := fallbackCounter()

	s := c.CatalogSavings("short", "a much longer lightweight listing")
	assert.Equal(t, 0, s.SavedTokens)
	assert.Equal(t, 0.0, s.SavedPercent)
}
