package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatcherEmitsDebouncedEvents(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w, err := newWatcher(root, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	path := filepath.Join(dir, "conv.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	select {
	case got := <-w.events:
		require.Equal(t, path, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no watcher event for new transcript")
	}
}

func TestWatcherCoalescesWriteBursts(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w, err := newWatcher(root, 50*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	path := filepath.Join(dir, "conv.jsonl")
	for i := 0; i < 5; i++ {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("{}\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	select {
	case <-w.events:
	case <-time.After(2 * time.Second):
		t.Fatal("no watcher event after write burst")
	}

	// The burst collapses into a single emission.
	select {
	case got := <-w.events:
		t.Fatalf("unexpected second event for %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherIgnoresNonTranscriptFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	w, err := newWatcher(root, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case got := <-w.events:
		t.Fatalf("unexpected event for %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherPicksUpNewProjectDirectory(t *testing.T) {
	root := t.TempDir()

	w, err := newWatcher(root, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() { _ = w.Stop() }()

	dir := filepath.Join(root, "newproj")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// Give the watch a moment to be established on the new directory.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "conv.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	select {
	case got := <-w.events:
		require.Equal(t, path, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no watcher event from new project directory")
	}
}
