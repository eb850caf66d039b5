// Package metrics implements an in-memory performance monitor: named
// timers, monotonic counters, and capped per-category sample rings that the
// other components use to instrument themselves. Aggregation happens on
// demand; nothing leaves the process.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/agentdash/backend/internal/config"
)

// Sample is one timestamped observation within a category.
type Sample struct {
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

type Monitor struct {
	enabled   bool
	sampleCap int
	retention time.Duration

	mu         sync.Mutex
	counters   map[string]int64
	timers     map[string]time.Time
	categories map[string][]Sample
	startedAt  time.Time

	now func() time.Time
}

func New(cfg config.MetricsConfig) *Monitor {
	cap := cfg.SampleCap
	if cap <= 0 {
		cap = 1000
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	m := &Monitor{
		enabled:    cfg.Enabled,
		sampleCap:  cap,
		retention:  retention,
		counters:   make(map[string]int64),
		timers:     make(map[string]time.Time),
		categories: make(map[string][]Sample),
		now:        time.Now,
	}
	m.startedAt = m.now()
	return m
}

// StartTimer begins a named wall-clock timer. Starting an already-running
// timer restarts it.
func (m *Monitor) StartTimer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[name] = m.now()
}

// EndTimer stops a named timer and records its elapsed time into the
// "performance" category along with any metadata. Ending a timer that was
// never started returns zero rather than erroring.
func (m *Monitor) EndTimer(name string, metadata map[string]any) time.Duration {
	m.mu.Lock()
	start, ok := m.timers[name]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(m.timers, name)
	elapsed := m.now().Sub(start)
	m.mu.Unlock()

	fields := map[string]any{
		"name":        name,
		"duration_ms": float64(elapsed) / float64(time.Millisecond),
	}
	for k, v := range metadata {
		fields[k] = v
	}
	m.RecordMetric("performance", fields)
	return elapsed
}

func (m *Monitor) IncrementCounter(name string, by int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += by
}

// RecordMetric appends a timestamped sample to the category's ring. The ring
// holds at most sampleCap entries; the oldest drop silently. No-op when
// monitoring is disabled.
func (m *Monitor) RecordMetric(category string, fields map[string]any) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := append(m.categories[category], Sample{
		Timestamp: m.now(),
		Fields:    fields,
	})
	if len(samples) > m.sampleCap {
		samples = samples[len(samples)-m.sampleCap:]
	}
	m.categories[category] = samples
}

func (m *Monitor) RecordError(component string, err error) {
	m.IncrementCounter("total_errors", 1)
	m.RecordMetric("errors", map[string]any{
		"component": component,
		"error":     err.Error(),
	})
}

// RecordRequest instruments one HTTP request/response cycle. Non-2xx
// statuses count as error requests.
func (m *Monitor) RecordRequest(method, path string, status int, elapsed time.Duration) {
	m.IncrementCounter("total_requests", 1)
	if status < 200 || status >= 300 {
		m.IncrementCounter("error_requests", 1)
	}
	m.RecordMetric("requests", map[string]any{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": float64(elapsed) / float64(time.Millisecond),
	})
}

func (m *Monitor) RecordCache(operation string, hit bool) {
	if hit {
		m.IncrementCounter("cache_hits", 1)
	} else {
		m.IncrementCounter("cache_misses", 1)
	}
	m.RecordMetric("cache", map[string]any{
		"operation": operation,
		"hit":       hit,
	})
}

func (m *Monitor) RecordWebSocket(event string, clientCount int) {
	m.IncrementCounter("ws_events", 1)
	m.RecordMetric("websocket", map[string]any{
		"event":   event,
		"clients": clientCount,
	})
}

// CleanupOldMetrics drops samples older than the retention window. The ring
// cap bounds memory per category; retention bounds it over time for
// categories that stop receiving samples.
func (m *Monitor) CleanupOldMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.retention)
	for category, samples := range m.categories {
		keep := samples[:0:0]
		for _, s := range samples {
			if s.Timestamp.After(cutoff) {
				keep = append(keep, s)
			}
		}
		if len(keep) == 0 {
			delete(m.categories, category)
			continue
		}
		m.categories[category] = keep
	}
}

// CategoryStats aggregates one category's samples: total count plus the
// average and peak of every numeric field observed.
type CategoryStats struct {
	Count    int                `json:"count"`
	Averages map[string]float64 `json:"averages,omitempty"`
	Peaks    map[string]float64 `json:"peaks,omitempty"`
}

type Stats struct {
	UptimeSeconds float64                  `json:"uptimeSeconds"`
	Counters      map[string]int64         `json:"counters"`
	CacheHitRate  float64                  `json:"cacheHitRate"`
	Categories    map[string]CategoryStats `json:"categories"`
}

// GetStats aggregates counts, averages, and peaks across all categories.
// A positive timeframe restricts aggregation to samples newer than
// now - timeframe; zero means everything retained.
func (m *Monitor) GetStats(timeframe time.Duration) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var cutoff time.Time
	if timeframe > 0 {
		cutoff = now.Add(-timeframe)
	}

	stats := Stats{
		UptimeSeconds: now.Sub(m.startedAt).Seconds(),
		Counters:      make(map[string]int64, len(m.counters)),
		Categories:    make(map[string]CategoryStats, len(m.categories)),
	}
	for k, v := range m.counters {
		stats.Counters[k] = v
	}

	hits, misses := m.counters["cache_hits"], m.counters["cache_misses"]
	if total := hits + misses; total > 0 {
		stats.CacheHitRate = math.Round(float64(hits)/float64(total)*100*100) / 100
	}

	for category, samples := range m.categories {
		cs := CategoryStats{}
		sums := make(map[string]float64)
		for _, s := range samples {
			if !cutoff.IsZero() && !s.Timestamp.After(cutoff) {
				continue
			}
			cs.Count++
			for field, value := range s.Fields {
				num, ok := asFloat(value)
				if !ok {
					continue
				}
				sums[field] += num
				if cs.Peaks == nil {
					cs.Peaks = make(map[string]float64)
				}
				if peak, seen := cs.Peaks[field]; !seen || num > peak {
					cs.Peaks[field] = num
				}
			}
		}
		if cs.Count > 0 && len(sums) > 0 {
			cs.Averages = make(map[string]float64, len(sums))
			for field, sum := range sums {
				cs.Averages[field] = sum / float64(cs.Count)
			}
		}
		stats.Categories[category] = cs
	}

	return stats
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
