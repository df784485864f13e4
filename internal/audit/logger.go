// Package audit records structured, redacted events to an in-memory ring
// buffer and an append-only line-delimited JSON file. Sink failures never
// propagate to the caller that produced the event.
package audit

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	// ringCapacity bounds the in-memory buffer.
	ringCapacity = 10000
	// defaultRetention is how long ring events survive Cleanup.
	defaultRetention = 90 * 24 * time.Hour
)

// Logger is the process-wide audit sink. Safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	ring     []*Event
	minLevel Level
	file     *os.File
	entropy  *ulid.MonotonicEntropy
	log      *zap.Logger
	now      func() time.Time
	retain   time.Duration
}

// Options configures the logger.
type Options struct {
	FilePath string
	MinLevel Level
	// Retention overrides the 90-day default when positive.
	Retention time.Duration
}

// New opens (or creates) the audit file and returns a ready logger. A file
// that cannot be opened degrades to ring-buffer-only operation with a
// diagnostic on the process log.
func New(opts Options, log *zap.Logger) *Logger {
	l := &Logger{
		minLevel: opts.MinLevel,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		log:      log,
		now:      time.Now,
		retain:   defaultRetention,
	}
	if l.minLevel == "" {
		l.minLevel = LevelInfo
	}
	if opts.Retention > 0 {
		l.retain = opts.Retention
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			log.Error("audit file directory unavailable", zap.Error(err))
		} else if f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
			log.Error("audit file unavailable, ring buffer only", zap.Error(err))
		} else {
			l.file = f
		}
	}
	return l
}

// Log accepts an event, assigning id and timestamp when absent. Events below
// the configured level are dropped.
func (l *Logger) Log(e Event) {
	if !e.Level.AtLeast(l.minLevel) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = ulid.MustNew(ulid.Timestamp(e.Timestamp), l.entropy).String()
	}
	redactEvent(&e)

	l.ring = append(l.ring, &e)
	if len(l.ring) > ringCapacity {
		l.ring = l.ring[len(l.ring)-ringCapacity:]
	}

	if l.file != nil {
		line, err := json.Marshal(&e)
		if err == nil {
			line = append(line, '\n')
			_, err = l.file.Write(line)
		}
		if err != nil {
			// Degrade to stderr; the caller path must not fail.
			l.log.Error("audit file write failed", zap.Error(err), zap.String("event", e.ID))
		}
	}
}

// QueryFilter selects events from the ring buffer.
type QueryFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	Type      string
	Level     Level
	ActorID   string
	Action    string
	Result    string
	Limit     int
	Offset    int
}

// Query returns matching events in insertion order after offset/limit. It
// operates over the ring buffer only; it is not a search engine.
func (l *Logger) Query(f QueryFilter) []*Event {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Event
	skipped := 0
	for _, e := range l.ring {
		if !matches(e, &f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(e *Event, f *QueryFilter) bool {
	if f.StartDate != nil && e.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.Timestamp.After(*f.EndDate) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	return true
}

// Stats aggregates ring-buffer events.
type Stats struct {
	TotalEvents     int            `json:"totalEvents"`
	ByType          map[string]int `json:"byType"`
	ByLevel         map[string]int `json:"byLevel"`
	ByResult        map[string]int `json:"byResult"`
	AverageDuration float64        `json:"averageDuration"` // ms, over events that carry one
}

// GetStats aggregates events, optionally restricted to the trailing window.
func (l *Logger) GetStats(timeWindow time.Duration) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		ByType:   make(map[string]int),
		ByLevel:  make(map[string]int),
		ByResult: make(map[string]int),
	}
	var cutoff time.Time
	if timeWindow > 0 {
		cutoff = l.now().Add(-timeWindow)
	}

	var durationSum int64
	var durationCount int
	for _, e := range l.ring {
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		stats.TotalEvents++
		stats.ByType[e.Type]++
		stats.ByLevel[string(e.Level)]++
		stats.ByResult[e.Result]++
		if e.Duration != nil {
			durationSum += *e.Duration
			durationCount++
		}
	}
	if durationCount > 0 {
		stats.AverageDuration = float64(durationSum) / float64(durationCount)
	}
	return stats
}

// Cleanup discards ring-buffer events older than the retention window. The
// file sink is untouched; rotation is someone else's job.
func (l *Logger) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.retain)
	kept := l.ring[:0]
	removed := 0
	for _, e := range l.ring {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.ring = kept
	return removed
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
