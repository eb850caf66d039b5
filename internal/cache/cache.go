// Package cache memoizes conversation file reads, parsed records, and
// derived computations, keyed by path and validated against the file's
// modification time. Staleness by mtime takes precedence over TTL expiry;
// the TTL sweep exists only to bound growth from paths that stop being
// accessed.
package cache

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/agentdash/backend/internal/config"
	"github.com/agentdash/backend/internal/conversation"
	"github.com/agentdash/backend/internal/metrics"
)

// ErrFileTooLarge rejects files above the configured ceiling before any
// read happens.
var ErrFileTooLarge = errors.New("file exceeds cache size ceiling")

// flightKey names a single-flight for one version of one key: callers that
// statted different mtimes must not share a flight.
func flightKey(tier, key string, mtime time.Time) string {
	return tier + ":" + key + "\x00" + strconv.FormatInt(mtime.UnixNano(), 10)
}

type contentEntry struct {
	data     []byte
	storedAt time.Time
	mtime    time.Time
	size     int64
}

type parsedEntry struct {
	messages []conversation.Message
	storedAt time.Time
	mtime    time.Time
}

type computedEntry struct {
	value    any
	storedAt time.Time
	mtime    time.Time
}

// Cache is safe for concurrent use. Entries are immutable once stored;
// invalidation replaces them, never mutates in place. Locks guard only the
// map lookups and mutations — file I/O happens outside them, with
// single-flight de-duplication so concurrent misses for the same key share
// one read.
type Cache struct {
	maxFileSize int64
	ttl         time.Duration

	mu       sync.RWMutex
	content  map[string]*contentEntry
	parsed   map[string]*parsedEntry
	computed map[string]*computedEntry

	hits   atomic.Int64
	misses atomic.Int64

	group   singleflight.Group
	monitor *metrics.Monitor
	log     zerolog.Logger

	now func() time.Time
}

func New(cfg config.CacheConfig, monitor *metrics.Monitor, log zerolog.Logger) *Cache {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		maxFileSize: maxSize,
		ttl:         ttl,
		content:     make(map[string]*contentEntry),
		parsed:      make(map[string]*parsedEntry),
		computed:    make(map[string]*computedEntry),
		monitor:     monitor,
		log:         log.With().Str("component", "cache").Logger(),
		now:         time.Now,
	}
}

// FileContent returns the file's bytes, served from cache while the file's
// mtime is unchanged. Stat and read errors propagate to the caller; the
// next call retries.
func (c *Cache) FileContent(path string) ([]byte, error) {
	entry, err := c.contentFor(path)
	if err != nil {
		return nil, err
	}
	return entry.data, nil
}

func (c *Cache) contentFor(path string) (*contentEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	mtime := info.ModTime()

	c.mu.RLock()
	entry, ok := c.content[path]
	c.mu.RUnlock()
	if ok && entry.mtime.Equal(mtime) {
		c.recordAccess("content", true)
		return entry, nil
	}

	// The flight is keyed by file version, not just path: a caller that
	// statted a newer mtime must not join an in-flight read of the older
	// version and receive its stale bytes.
	v, err, _ := c.group.Do(flightKey("content", path, mtime), func() (any, error) {
		// Another flight may have stored a fresh entry while this
		// caller waited on the group.
		c.mu.RLock()
		entry, ok := c.content[path]
		c.mu.RUnlock()
		if ok && entry.mtime.Equal(mtime) {
			return entry, nil
		}

		if info.Size() > c.maxFileSize {
			return nil, fmt.Errorf("%w: %s is %d bytes (ceiling %d)",
				ErrFileTooLarge, path, info.Size(), c.maxFileSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		fresh := &contentEntry{
			data:     data,
			storedAt: c.now(),
			mtime:    mtime,
			size:     info.Size(),
		}
		c.mu.Lock()
		c.content[path] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	c.recordAccess("content", false)
	return v.(*contentEntry), nil
}

// Conversation returns the parsed message records for the file, re-parsing
// only when the underlying file version changes. Malformed lines are
// skipped by the parser, not fatal.
func (c *Cache) Conversation(path string) ([]conversation.Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	mtime := info.ModTime()

	c.mu.RLock()
	entry, ok := c.parsed[path]
	c.mu.RUnlock()
	if ok && entry.mtime.Equal(mtime) {
		c.recordAccess("parsed", true)
		return entry.messages, nil
	}

	content, err := c.contentFor(path)
	if err != nil {
		return nil, err
	}

	messages := conversation.Parse(content.data)
	c.mu.Lock()
	c.parsed[path] = &parsedEntry{
		messages: messages,
		storedAt: c.now(),
		mtime:    content.mtime,
	}
	c.mu.Unlock()

	c.recordAccess("parsed", false)
	return messages, nil
}

// Computed memoizes an arbitrary derived computation keyed by the
// computation's logical name plus the file path, valid for the current file
// version. A computeFn error propagates uncached so the next call retries.
func (c *Cache) Computed(name, path string, computeFn func() (any, error)) (any, error) {
	return c.ComputedWithin(name, path, 0, computeFn)
}

// ComputedWithin is Computed with a per-call freshness ceiling: a cached
// value stored longer than maxAge ago is recomputed even when the file
// version is unchanged. Zero maxAge disables the ceiling.
func (c *Cache) ComputedWithin(name, path string, maxAge time.Duration, computeFn func() (any, error)) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	mtime := info.ModTime()
	key := name + "\x00" + path

	c.mu.RLock()
	entry, ok := c.computed[key]
	c.mu.RUnlock()
	if ok && entry.mtime.Equal(mtime) && c.fresh(entry.storedAt, maxAge) {
		c.recordAccess("computed", true)
		return entry.value, nil
	}

	v, err, _ := c.group.Do(flightKey("computed", key, mtime), func() (any, error) {
		c.mu.RLock()
		entry, ok := c.computed[key]
		c.mu.RUnlock()
		if ok && entry.mtime.Equal(mtime) && c.fresh(entry.storedAt, maxAge) {
			return entry.value, nil
		}

		value, err := computeFn()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.computed[key] = &computedEntry{
			value:    value,
			storedAt: c.now(),
			mtime:    mtime,
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	c.recordAccess("computed", false)
	return v, nil
}

func (c *Cache) fresh(storedAt time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return c.now().Sub(storedAt) <= maxAge
}

// InvalidateFile drops all tiers' entries for the path. Used when the
// caller knows the file changed without relying on the stat check, e.g. on
// an explicit filesystem event.
func (c *Cache) InvalidateFile(path string) {
	suffix := "\x00" + path

	c.mu.Lock()
	delete(c.content, path)
	delete(c.parsed, path)
	for key := range c.computed {
		if strings.HasSuffix(key, suffix) {
			delete(c.computed, key)
		}
	}
	c.mu.Unlock()
}

// ClearExpired sweeps all tiers, removing entries stored longer ago than
// the TTL. Runs on an interval; mtime validation handles correctness, this
// handles growth.
func (c *Cache) ClearExpired() {
	cutoff := c.now().Add(-c.ttl)
	removed := 0

	c.mu.Lock()
	for path, entry := range c.content {
		if entry.storedAt.Before(cutoff) {
			delete(c.content, path)
			removed++
		}
	}
	for path, entry := range c.parsed {
		if entry.storedAt.Before(cutoff) {
			delete(c.parsed, path)
			removed++
		}
	}
	for key, entry := range c.computed {
		if entry.storedAt.Before(cutoff) {
			delete(c.computed, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Cache sweep")
	}
}

type Stats struct {
	ContentEntries  int     `json:"contentEntries"`
	ParsedEntries   int     `json:"parsedEntries"`
	ComputedEntries int     `json:"computedEntries"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	HitRate         float64 `json:"hitRate"`
}

// GetStats reports per-tier sizes and the overall hit rate as a percentage
// (zero when no accesses occurred).
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	stats := Stats{
		ContentEntries:  len(c.content),
		ParsedEntries:   len(c.parsed),
		ComputedEntries: len(c.computed),
	}
	c.mu.RUnlock()

	stats.Hits = c.hits.Load()
	stats.Misses = c.misses.Load()
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

func (c *Cache) recordAccess(tier string, hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.monitor != nil {
		c.monitor.RecordCache(tier, hit)
	}
}
