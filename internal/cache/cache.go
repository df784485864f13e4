// Package cache stores oversized tool responses in a bbolt database so the
// client gets a truncated reply plus a key, and pages the rest through the
// read_cache tool.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	recordsBucket = "cache"
	statsBucket   = "cache_stats"
	statsKey      = "stats"

	// DefaultThreshold is the response size above which results are cached
	// and truncated.
	DefaultThreshold = 16 * 1024
	// DefaultTTL bounds how long a cached response stays readable.
	DefaultTTL = 2 * time.Hour

	cleanupInterval = 10 * time.Minute
	dbFileName      = "cache.db"
)

// Record is one stored response.
type Record struct {
	Key          string    `json:"key"`
	ToolName     string    `json:"toolName"`
	Content      string    `json:"content"`
	TotalSize    int       `json:"totalSize"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// Expired reports whether the record is past its TTL at t.
func (r *Record) Expired(t time.Time) bool { return t.After(r.ExpiresAt) }

// Stats are cumulative cache counters, persisted across restarts.
type Stats struct {
	TotalEntries   int `json:"totalEntries"`
	TotalSizeBytes int `json:"totalSizeBytes"`
	HitCount       int `json:"hitCount"`
	MissCount      int `json:"missCount"`
	EvictedCount   int `json:"evictedCount"`
}

// Chunk is one read_cache page.
type Chunk struct {
	Key       string `json:"key"`
	Content   string `json:"content"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
	TotalSize int    `json:"totalSize"`
	HasMore   bool   `json:"hasMore"`
}

// Store is the response cache. Safe for concurrent use.
type Store struct {
	db        *bbolt.DB
	logger    *zap.Logger
	threshold int
	ttl       time.Duration
	now       func() time.Time

	mu    sync.Mutex
	stats Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Options tune a cache store. Zero values select defaults.
type Options struct {
	Threshold int
	TTL       time.Duration
}

// Open creates or reopens the cache database under dataDir and starts the
// expiry cleanup loop.
func Open(dataDir string, logger *zap.Logger, opts Options) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, dbFileName), 0o600,
		&bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger.Named("cache"),
		threshold: opts.Threshold,
		ttl:       opts.TTL,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(statsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache buckets: %w", err)
	}
	s.loadStats()

	go s.cleanupLoop()
	return s, nil
}

// Threshold returns the configured truncation threshold in bytes.
func (s *Store) Threshold() int { return s.threshold }

// Key derives the cache key for one tool response.
func Key(toolName, content string) string {
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Put stores a response under its derived key and returns the key.
func (s *Store) Put(toolName, content string) (string, error) {
	now := s.now()
	record := &Record{
		Key:          Key(toolName, content),
		ToolName:     toolName,
		Content:      content,
		TotalSize:    len(content),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastAccessed: now,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal cache record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		fresh := bucket.Get([]byte(record.Key)) == nil
		if err := bucket.Put([]byte(record.Key), data); err != nil {
			return err
		}
		s.mu.Lock()
		if fresh {
			s.stats.TotalEntries++
			s.stats.TotalSizeBytes += record.TotalSize
		}
		stats := s.stats
		s.mu.Unlock()
		return saveStats(tx, stats)
	})
	if err != nil {
		return "", fmt.Errorf("store cache record: %w", err)
	}

	s.logger.Debug("response cached",
		zap.String("tool", toolName),
		zap.String("key", record.Key),
		zap.Int("size", record.TotalSize))
	return record.Key, nil
}

// Get returns the record for a key, updating access counters. Expired and
// unknown keys both count as misses.
func (s *Store) Get(key string) (*Record, error) {
	var record *Record
	now := s.now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		data := bucket.Get([]byte(key))
		if data == nil {
			s.mu.Lock()
			s.stats.MissCount++
			stats := s.stats
			s.mu.Unlock()
			_ = saveStats(tx, stats)
			return fmt.Errorf("cache key not found: %s", key)
		}

		record = &Record{}
		if err := json.Unmarshal(data, record); err != nil {
			return fmt.Errorf("unmarshal cache record: %w", err)
		}

		if record.Expired(now) {
			_ = bucket.Delete([]byte(key))
			s.mu.Lock()
			s.stats.MissCount++
			s.stats.EvictedCount++
			s.stats.TotalEntries--
			s.stats.TotalSizeBytes -= record.TotalSize
			stats := s.stats
			s.mu.Unlock()
			_ = saveStats(tx, stats)
			record = nil
			return fmt.Errorf("cache key expired: %s", key)
		}

		record.AccessCount++
		record.LastAccessed = now
		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), updated); err != nil {
			return err
		}

		s.mu.Lock()
		s.stats.HitCount++
		stats := s.stats
		s.mu.Unlock()
		return saveStats(tx, stats)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Read returns one page of a cached response's content.
func (s *Store) Read(key string, offset, limit int) (*Chunk, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = s.threshold
	}

	record, err := s.Get(key)
	if err != nil {
		return nil, err
	}

	chunk := &Chunk{
		Key:       key,
		Offset:    offset,
		Limit:     limit,
		TotalSize: record.TotalSize,
	}
	if offset < len(record.Content) {
		end := offset + limit
		if end > len(record.Content) {
			end = len(record.Content)
		}
		chunk.Content = record.Content[offset:end]
		chunk.HasMore = end < len(record.Content)
	}
	return chunk, nil
}

// GetStats returns a snapshot of the counters.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Cleanup removes every expired record in one pass and returns the count.
func (s *Store) Cleanup() (int, error) {
	now := s.now()
	removed := 0
	sizeRemoved := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucket))
		cursor := bucket.Cursor()

		var expired [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				continue
			}
			if record.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
				sizeRemoved += record.TotalSize
			}
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)

		s.mu.Lock()
		s.stats.EvictedCount += removed
		s.stats.TotalEntries -= removed
		s.stats.TotalSizeBytes -= sizeRemoved
		stats := s.stats
		s.mu.Unlock()
		return saveStats(tx, stats)
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("expired cache entries removed",
			zap.Int("count", removed), zap.Int("bytes", sizeRemoved))
	}
	return removed, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Cleanup(); err != nil {
				s.logger.Error("cache cleanup failed", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.db.Close()
}

func (s *Store) loadStats() {
	_ = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(statsBucket)).Get([]byte(statsKey))
		if data == nil {
			return nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return json.Unmarshal(data, &s.stats)
	})
}

func saveStats(tx *bbolt.Tx, stats Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(statsBucket)).Put([]byte(statsKey), data)
}
