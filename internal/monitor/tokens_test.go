package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdash/backend/internal/state"
)

func TestConversationTokenUsageFromUsageRecords(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	path := writeTranscript(t, root, "proj", "conv.jsonl",
		userLine(now.Add(-time.Minute), "question"),
		assistantLine(now, "answer"))

	m, _ := newTestMonitor(t, root)
	totals, err := conversationTokenUsage(m.cache, path)
	require.NoError(t, err)

	assert.Equal(t, 100, totals.Input)
	assert.Equal(t, 20, totals.Output)
	assert.False(t, totals.Estimated)
	assert.Equal(t, 100, totals.TotalContext())
}

func TestConversationTokenUsageEstimatesWithoutRecords(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	path := writeTranscript(t, root, "proj", "conv.jsonl",
		userLine(now, "a reasonably long question about the build system"))

	m, _ := newTestMonitor(t, root)
	totals, err := conversationTokenUsage(m.cache, path)
	require.NoError(t, err)

	assert.True(t, totals.Estimated)
	assert.Greater(t, totals.Input, 0)
	assert.Zero(t, totals.Output)
}

func TestQuickRefreshUpgradesOnProcessMatch(t *testing.T) {
	root := t.TempDir()
	m, notifier := newTestMonitor(t, root)

	m.registry.Update(&Conversation{
		ID:         "abc123",
		Path:       root + "/proj/abc123.jsonl",
		ProjectDir: "/home/dev/proj",
		Status:     state.StatusWaiting,
	})

	procs := []state.ProcessInfo{{PID: 42, Command: "claude", WorkingDir: "/home/dev/proj"}}
	changed := m.quickRefresh(root+"/proj/abc123.jsonl", procs)
	require.True(t, changed)

	conv, ok := m.registry.Get("abc123")
	require.True(t, ok)
	assert.Equal(t, state.StatusActive, conv.Status)
	assert.True(t, conv.HasRunningProcess)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Contains(t, notifier.stateChanges, "abc123:active")

	// No process and no file change: nothing to upgrade.
	assert.False(t, m.quickRefresh(root+"/proj/abc123.jsonl", nil))
}
