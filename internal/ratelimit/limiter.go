// Package ratelimit implements token-bucket limiting keyed by (tier,
// identifier). Buckets refill lazily on read; a background task evicts
// buckets that have been idle and full for a long time.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// evictionInterval is how often the cleanup task scans buckets.
	evictionInterval = time.Minute
	// idleEvictionAge is how long a bucket must be untouched before it is
	// eligible for eviction. Only full buckets are evicted, so eviction can
	// never change the outcome of a later check.
	idleEvictionAge = time.Hour
	// maxRetryAfter caps the advertised wait when a tier does not refill.
	maxRetryAfter = 24 * 60 * 60
)

// Tier holds the bucket parameters for one rate-limit class.
type Tier struct {
	MaxTokens  float64 `json:"maxTokens"`
	RefillRate float64 `json:"refillRate"` // tokens per second
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"default":       {MaxTokens: 100, RefillRate: 10},
		"authenticated": {MaxTokens: 1000, RefillRate: 50},
		"premium":       {MaxTokens: 5000, RefillRate: 200},
	}
}

// Result is the outcome of one CheckLimit call.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds, only on deny
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	max        float64
	rate       float64
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	tiers   map[string]Tier
	buckets map[string]*bucket
	logger  *zap.Logger
	now     func() time.Time
	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a limiter with the given tiers (nil for defaults) and starts
// the eviction task.
func New(tiers map[string]Tier, logger *zap.Logger) *Limiter {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	l := &Limiter{
		tiers:   tiers,
		buckets: make(map[string]*bucket),
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// CheckLimit refills the bucket for (tier, id) and tries to deduct cost.
func (l *Limiter) CheckLimit(id, tier string, cost float64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tiers[tier]
	if !ok {
		t = l.tiers["default"]
	}

	key := tier + "|" + id
	b, ok := l.buckets[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: t.MaxTokens, lastRefill: now, max: t.MaxTokens, rate: t.RefillRate}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.max, b.tokens+elapsed*b.rate)
	b.lastRefill = now

	resetAt := now.Add(secondsToRefill(b.max-b.tokens, b.rate))

	if b.tokens >= cost {
		b.tokens -= cost
		return Result{
			Allowed:   true,
			Remaining: int(math.Floor(b.tokens)),
			ResetAt:   now.Add(secondsToRefill(b.max-b.tokens, b.rate)),
		}
	}

	retry := maxRetryAfter
	if b.rate > 0 {
		retry = int(math.Ceil((cost - b.tokens) / b.rate))
	}
	if retry < 1 {
		retry = 1
	}
	return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfter: retry}
}

// Stats is a snapshot of limiter state for the stats tool.
type Stats struct {
	ActiveBuckets int                       `json:"activeBuckets"`
	Tiers         map[string]Tier           `json:"tiers"`
	Buckets       map[string]BucketSnapshot `json:"buckets"`
}

// BucketSnapshot is one bucket's externally visible state.
type BucketSnapshot struct {
	Tokens     float64   `json:"tokens"`
	MaxTokens  float64   `json:"maxTokens"`
	LastRefill time.Time `json:"lastRefill"`
}

// GetStats snapshots every live bucket.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		ActiveBuckets: len(l.buckets),
		Tiers:         make(map[string]Tier, len(l.tiers)),
		Buckets:       make(map[string]BucketSnapshot, len(l.buckets)),
	}
	for name, t := range l.tiers {
		stats.Tiers[name] = t
	}
	for key, b := range l.buckets {
		stats.Buckets[key] = BucketSnapshot{
			Tokens:     b.tokens,
			MaxTokens:  b.max,
			LastRefill: b.lastRefill,
		}
	}
	return stats
}

// Close stops the eviction task.
func (l *Limiter) Close() {
	l.stopped.Do(func() { close(l.stopCh) })
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evicted := 0
	for key, b := range l.buckets {
		idle := now.Sub(b.lastRefill)
		// A full idle bucket would be recreated in the same state, so
		// dropping it is invisible to callers.
		if idle >= idleEvictionAge && b.tokens >= b.max {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 && l.logger != nil {
		l.logger.Debug("evicted idle rate-limit buckets", zap.Int("count", evicted))
	}
}

func secondsToRefill(tokens, rate float64) time.Duration {
	if rate <= 0 {
		return maxRetryAfter * time.Second
	}
	return time.Duration(tokens / rate * float64(time.Second))
}

// String implements fmt.Stringer for debug logging.
func (t Tier) String() string {
	return fmt.Sprintf("%.0f tokens @ %.1f/s", t.MaxTokens, t.RefillRate)
}
