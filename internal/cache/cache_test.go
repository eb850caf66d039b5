package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdash/backend/internal/config"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	c := New(config.CacheConfig{
		MaxFileSize: 1024 * 1024,
		TTL:         5 * time.Minute,
	}, nil, zerolog.Nop())
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func writeFile(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestFileContentHitOnUnchangedMtime(t *testing.T) {
	c, _ := newTestCache(t)
	mtime := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	path := writeFile(t, t.TempDir(), "a.jsonl", "line one", mtime)

	first, err := c.FileContent(path)
	require.NoError(t, err)
	assert.Equal(t, "line one", string(first))

	second, err := c.FileContent(path)
	require.NoError(t, err)
	assert.Equal(t, "line one", string(second))

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestFileContentRereadOnMtimeChange(t *testing.T) {
	c, _ := newTestCache(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jsonl", "old bytes", time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	_, err := c.FileContent(path)
	require.NoError(t, err)

	writeFile(t, dir, "a.jsonl", "new bytes", time.Date(2026, 8, 28, 11, 5, 0, 0, time.UTC))

	data, err := c.FileContent(path)
	require.NoError(t, err)
	assert.Equal(t, "new bytes", string(data))

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestFileContentMissingFile(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.FileContent(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileContentTooLarge(t *testing.T) {
	c, _ := newTestCache(t)
	c.maxFileSize = 4
	path := writeFile(t, t.TempDir(), "big.jsonl", "way more than four bytes", time.Now())

	_, err := c.FileContent(path)
	assert.True(t, errors.Is(err, ErrFileTooLarge))

	// Nothing stored; the next call still goes to disk.
	assert.Equal(t, 0, c.GetStats().ContentEntries)
}

func TestConversationParsesValidLinesOnly(t *testing.T) {
	c, _ := newTestCache(t)
	content := `{"type":"user","timestamp":"2026-08-28T10:00:00Z","message":{"role":"user","content":"q"}}` + "\n" +
		"not json\n" +
		`{"type":"assistant","timestamp":"2026-08-28T10:00:02Z","message":{"role":"assistant","content":"a"}}` + "\n" +
		"{broken\n"
	path := writeFile(t, t.TempDir(), "c.jsonl", content, time.Now())

	messages, err := c.Conversation(path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
}

func TestConversationReparsesAfterChange(t *testing.T) {
	c, _ := newTestCache(t)
	dir := t.TempDir()
	line := `{"type":"user","timestamp":"2026-08-28T10:00:00Z","message":{"role":"user","content":"q"}}` + "\n"
	path := writeFile(t, dir, "c.jsonl", line, time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	messages, err := c.Conversation(path)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// Cached on the second call.
	messages, err = c.Conversation(path)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	writeFile(t, dir, "c.jsonl", line+line, time.Date(2026, 8, 28, 11, 5, 0, 0, time.UTC))

	messages, err = c.Conversation(path)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestComputedMemoizesPerFileVersion(t *testing.T) {
	c, _ := newTestCache(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "c.jsonl", "data", time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	calls := 0
	compute := func() (any, error) {
		calls++
		return 42, nil
	}

	v, err := c.Computed("token_usage", path, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	v, err = c.Computed("token_usage", path, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls, "hit must not invoke computeFn")

	// New file version invalidates the computation.
	writeFile(t, dir, "c.jsonl", "data2", time.Date(2026, 8, 28, 11, 5, 0, 0, time.UTC))
	_, err = c.Computed("token_usage", path, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestComputedErrorPropagatesUncached(t *testing.T) {
	c, _ := newTestCache(t)
	path := writeFile(t, t.TempDir(), "c.jsonl", "data", time.Now())

	calls := 0
	boom := errors.New("boom")
	failing := func() (any, error) {
		calls++
		return nil, boom
	}

	_, err := c.Computed("broken", path, failing)
	assert.ErrorIs(t, err, boom)

	_, err = c.Computed("broken", path, failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "failed computation must retry")
}

func TestComputedKeysAreIndependent(t *testing.T) {
	c, _ := newTestCache(t)
	path := writeFile(t, t.TempDir(), "c.jsonl", "data", time.Now())

	a, err := c.Computed("alpha", path, func() (any, error) { return "a", nil })
	require.NoError(t, err)
	b, err := c.Computed("beta", path, func() (any, error) { return "b", nil })
	require.NoError(t, err)

	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
	assert.Equal(t, 2, c.GetStats().ComputedEntries)
}

func TestInvalidateFileDropsAllTiers(t *testing.T) {
	c, _ := newTestCache(t)
	line := `{"type":"user","timestamp":"2026-08-28T10:00:00Z","message":{"role":"user","content":"q"}}`
	path := writeFile(t, t.TempDir(), "c.jsonl", line, time.Now())

	_, err := c.FileContent(path)
	require.NoError(t, err)
	_, err = c.Conversation(path)
	require.NoError(t, err)
	_, err = c.Computed("token_usage", path, func() (any, error) { return 1, nil })
	require.NoError(t, err)

	c.InvalidateFile(path)

	stats := c.GetStats()
	assert.Equal(t, 0, stats.ContentEntries)
	assert.Equal(t, 0, stats.ParsedEntries)
	assert.Equal(t, 0, stats.ComputedEntries)
}

func TestClearExpired(t *testing.T) {
	c, now := newTestCache(t)
	dir := t.TempDir()
	oldPath := writeFile(t, dir, "old.jsonl", "old", time.Now())
	_, err := c.FileContent(oldPath)
	require.NoError(t, err)

	*now = now.Add(3 * time.Minute)
	freshPath := writeFile(t, dir, "fresh.jsonl", "fresh", time.Now())
	_, err = c.FileContent(freshPath)
	require.NoError(t, err)

	// old entry is now 6 minutes old (TTL 5m), fresh is 3 minutes old.
	*now = now.Add(3 * time.Minute)
	c.ClearExpired()

	stats := c.GetStats()
	assert.Equal(t, 1, stats.ContentEntries)

	// The surviving entry is still served from cache.
	_, err = c.FileContent(freshPath)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.GetStats().Hits)
}

func TestHitRate(t *testing.T) {
	c, _ := newTestCache(t)
	path := writeFile(t, t.TempDir(), "c.jsonl", "bytes", time.Now())

	for i := 0; i < 3; i++ {
		_, err := c.FileContent(path)
		require.NoError(t, err)
	}

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 66.67, stats.HitRate, 0.01)
}

func TestHitRateZeroWithoutAccesses(t *testing.T) {
	c, _ := newTestCache(t)
	assert.Equal(t, 0.0, c.GetStats().HitRate)
}

func TestComputedSingleFlightOnConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	path := writeFile(t, t.TempDir(), "c.jsonl", "data", time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	var calls atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, err := c.Computed("expensive", path, func() (any, error) {
				calls.Add(1)
				// Hold the flight open long enough for every waiter
				// to join it.
				time.Sleep(100 * time.Millisecond)
				return "result", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "result", v)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must share one computation")
}

func TestFileContentConcurrentColdReads(t *testing.T) {
	c, _ := newTestCache(t)
	path := writeFile(t, t.TempDir(), "a.jsonl", "shared bytes", time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			data, err := c.FileContent(path)
			assert.NoError(t, err)
			assert.Equal(t, "shared bytes", string(data))
		}()
	}
	close(start)
	wg.Wait()

	stats := c.GetStats()
	assert.Equal(t, 1, stats.ContentEntries)
	assert.Equal(t, int64(16), stats.Hits+stats.Misses)
}

func TestComputedNewerVersionDoesNotJoinOlderFlight(t *testing.T) {
	c, _ := newTestCache(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "c.jsonl", "v1", time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	entered := make(chan struct{})
	release := make(chan struct{})
	oldDone := make(chan struct{})

	// A flight for the old file version blocks mid-computation.
	go func() {
		defer close(oldDone)
		v, err := c.Computed("versioned", path, func() (any, error) {
			close(entered)
			<-release
			return "old", nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "old", v)
	}()
	<-entered

	// The file changes while that flight is still in progress. A caller
	// that stats the new mtime must compute against the new version, not
	// receive the in-flight old result.
	writeFile(t, dir, "c.jsonl", "v2", time.Date(2026, 8, 28, 11, 5, 0, 0, time.UTC))

	v, err := c.Computed("versioned", path, func() (any, error) {
		return "new", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	close(release)
	<-oldDone
}

func TestComputedWithinRecomputesStaleEntries(t *testing.T) {
	c, now := newTestCache(t)
	path := writeFile(t, t.TempDir(), "c.jsonl", "data", time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC))

	calls := 0
	compute := func() (any, error) {
		calls++
		return calls, nil
	}

	v, err := c.ComputedWithin("fresh", path, 30*time.Second, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Well within the ceiling: served from cache.
	*now = now.Add(10 * time.Second)
	v, err = c.ComputedWithin("fresh", path, 30*time.Second, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Past the ceiling: recomputed even though the mtime is unchanged.
	*now = now.Add(time.Minute)
	v, err = c.ComputedWithin("fresh", path, 30*time.Second, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Zero ceiling disables the check entirely.
	*now = now.Add(24 * time.Hour)
	v, err = c.ComputedWithin("fresh", path, 0, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
