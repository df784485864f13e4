// Package tokens estimates the token footprint of tool listings so stats can
// report how much context the lightweight catalog saves. Counting never fails
// a request: when the tokenizer is unavailable the counter degrades to a
// character-based approximation.
package tokens

import (
	"encoding/json"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the cl100k byte-pair encoding most chat models share.
const DefaultEncoding = "cl100k_base"

// approxCharsPerToken drives the fallback estimate.
const approxCharsPerToken = 4

// Counter counts tokens with tiktoken, lazily initialized on first use.
type Counter struct {
	logger *zap.Logger

	// load is swapped in tests to avoid pulling encoding data.
	load func() (*tiktoken.Tiktoken, error)

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a counter using the default encoding.
func NewCounter(logger *zap.Logger) *Counter {
	return &Counter{
		logger: logger.Named("tokens"),
		load:   func() (*tiktoken.Tiktoken, error) { return tiktoken.GetEncoding(DefaultEncoding) },
	}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := c.load()
		if err != nil {
			c.logger.Warn("tokenizer unavailable, using approximate counts", zap.Error(err))
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Approximate reports whether counts come from the character fallback.
func (c *Counter) Approximate() bool { return c.encoding() == nil }

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + approxCharsPerToken - 1) / approxCharsPerToken
}

// CountJSON serializes v and counts the result.
func (c *Counter) CountJSON(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.Count(string(data))
}

// Savings compares the token cost of the full tool catalog against the
// lightweight listing actually sent to clients.
type Savings struct {
	FullTokens   int     `json:"fullTokens"`
	LightTokens  int     `json:"lightTokens"`
	SavedTokens  int     `json:"savedTokens"`
	SavedPercent float64 `json:"savedPercent"`
	Approximate  bool    `json:"approximate,omitempty"`
}

// CatalogSavings computes the savings for one full/light listing pair.
func (c *Counter) CatalogSavings(full, light interface{}) Savings {
	s := Savings{
		FullTokens:  c.CountJSON(full),
		LightTokens: c.CountJSON(light),
		Approximate: c.Approximate(),
	}
	if s.FullTokens > s.LightTokens {
		s.SavedTokens = s.FullTokens - s.LightTokens
	}
	if s.FullTokens > 0 {
		s.SavedPercent = float64(s.SavedTokens) / float64(s.FullTokens) * 100
	}
	return s
}
