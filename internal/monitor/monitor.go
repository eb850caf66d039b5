package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/agentdash/backend/internal/cache"
	"github.com/agentdash/backend/internal/config"
	"github.com/agentdash/backend/internal/conversation"
	"github.com/agentdash/backend/internal/metrics"
	"github.com/agentdash/backend/internal/state"
)

// Notifier receives conversation lifecycle events. The websocket server
// implements it; tests substitute a recorder.
type Notifier interface {
	NotifyConversationStateChange(conversationID, newState string, extra map[string]any)
	NotifyNewMessage(conversationID string, data map[string]any)
	NotifyDataRefresh(payload any)
	NotifySystemStatus(message, level string)
}

// trackedFile holds what the monitor remembers about a transcript between
// polls, so unchanged files can skip the full reclassification.
type trackedFile struct {
	modTime      time.Time
	size         int64
	messageCount int
}

type Monitor struct {
	cfg        config.MonitorConfig
	cache      *cache.Cache
	calc       *state.Calculator
	registry   *Registry
	metrics    *metrics.Monitor
	notifier   Notifier
	log        zerolog.Logger
	sweepEvery time.Duration

	// tracked is touched only from the Start goroutine (poll ticks and
	// watcher events are funneled into the same select loop).
	tracked map[string]*trackedFile
}

func New(cfg config.MonitorConfig, c *cache.Cache, calc *state.Calculator, reg *Registry, mm *metrics.Monitor, notifier Notifier, sweepEvery time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		cache:      c,
		calc:       calc,
		registry:   reg,
		metrics:    mm,
		notifier:   notifier,
		log:        log,
		sweepEvery: sweepEvery,
		tracked:    make(map[string]*trackedFile),
	}
}

func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Start runs the poll loop until ctx is cancelled. File watcher events
// supplement polling when the watcher can be established; otherwise the
// monitor degrades to poll-only.
func (m *Monitor) Start(ctx context.Context) {
	var events <-chan string
	w, err := newWatcher(m.cfg.ProjectsDir, m.cfg.WatchDebounce, m.log)
	if err == nil {
		err = w.Start()
	}
	if err != nil {
		m.log.Warn().Err(err).Str("dir", m.cfg.ProjectsDir).Msg("file watcher unavailable, falling back to polling only")
		if w != nil {
			_ = w.Stop()
		}
		w = nil
	} else {
		events = w.events
		defer func() { _ = w.Stop() }()
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(m.sweepEvery)
	defer housekeeping.Stop()

	m.log.Info().
		Str("dir", m.cfg.ProjectsDir).
		Dur("interval", m.cfg.PollInterval).
		Bool("watching", w != nil).
		Msg("monitor started")

	m.poll()

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("monitor stopped")
			return
		case <-ticker.C:
			m.poll()
		case <-housekeeping.C:
			m.housekeep()
		case path := <-events:
			m.handleFileEvent(path)
		}
	}
}

func (m *Monitor) poll() {
	m.metrics.StartTimer("monitor_poll")
	defer m.metrics.EndTimer("monitor_poll", nil)

	files, err := findRecentConversationFiles(m.cfg.ProjectsDir, m.cfg.DiscoverWindow)
	if err != nil {
		m.log.Error().Err(err).Msg("conversation discovery failed")
		m.metrics.RecordError("monitor", err)
		return
	}

	procs, err := DiscoverAgentProcesses()
	if err != nil {
		m.log.Warn().Err(err).Msg("process discovery failed")
		procs = nil
	}

	discovered := make(map[string]bool, len(files))
	changed := false

	for _, path := range files {
		discovered[path] = true
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		tf, known := m.tracked[path]
		if known && tf.modTime.Equal(info.ModTime()) && tf.size == info.Size() {
			if m.quickRefresh(path, procs) {
				changed = true
			}
			continue
		}
		if known {
			m.cache.InvalidateFile(path)
		}
		if m.refresh(path, info, procs) {
			changed = true
		}
	}

	// Files that fell outside the discover window (or were deleted) drop
	// out of the registry.
	for path := range m.tracked {
		if discovered[path] {
			continue
		}
		delete(m.tracked, path)
		m.cache.InvalidateFile(path)
		m.registry.Remove(conversation.ID(path))
		changed = true
	}

	if changed {
		m.notifyRefresh()
	}
}

// refresh fully reclassifies one transcript and updates the registry,
// emitting state change and new message notifications as warranted.
// Returns true when the registry changed.
func (m *Monitor) refresh(path string, info os.FileInfo, procs []state.ProcessInfo) bool {
	messages, err := m.cache.Conversation(path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("failed to load conversation")
		m.metrics.RecordError("monitor", err)
		return false
	}

	projectDir := conversation.ProjectDir(path)
	proc := matchProcess(procs, projectDir)

	cs := m.calc.State(messages, info.ModTime(), proc)

	tokens, err := conversationTokenUsage(m.cache, path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("token accounting failed")
	}

	conv := &Conversation{
		ID:                conversation.ID(path),
		Path:              path,
		ProjectDir:        projectDir,
		Name:              filepath.Base(projectDir),
		Status:            cs.Status,
		HasRunningProcess: cs.HasRunningProcess,
		MessageCount:      cs.MessageCount,
		LastActivity:      cs.LastActivity,
		Tokens:            tokens,
		UpdatedAt:         time.Now(),
	}
	if last := lastTextByRole(messages, "user"); last != "" {
		conv.LastUserMessage = last
	}
	if last := lastTextByRole(messages, "assistant"); last != "" {
		conv.LastAssistantMessage = last
	}

	prev, existed := m.registry.Get(conv.ID)
	m.registry.Update(conv)

	tf, known := m.tracked[path]
	if !known {
		tf = &trackedFile{}
		m.tracked[path] = tf
		m.log.Debug().Str("id", conv.ID).Str("project", conv.Name).Msg("tracking new conversation")
	}
	prevCount := tf.messageCount
	tf.modTime = info.ModTime()
	tf.size = info.Size()
	tf.messageCount = cs.MessageCount

	if !existed || prev.Status != conv.Status {
		m.notifier.NotifyConversationStateChange(conv.ID, string(conv.Status), map[string]any{
			"projectDir":        conv.ProjectDir,
			"hasRunningProcess": conv.HasRunningProcess,
		})
	}
	if known && cs.MessageCount > prevCount {
		m.notifier.NotifyNewMessage(conv.ID, map[string]any{
			"messageCount": cs.MessageCount,
			"lastActivity": cs.LastActivity,
		})
	}
	return true
}

// quickRefresh runs the cheap process-presence check on an unchanged file.
// It only ever upgrades the stored status. Returns true on upgrade.
func (m *Monitor) quickRefresh(path string, procs []state.ProcessInfo) bool {
	conv, ok := m.registry.Get(conversation.ID(path))
	if !ok {
		return false
	}

	snap := state.Snapshot{
		ID:                conv.ID,
		Path:              conv.Path,
		ProjectDir:        conv.ProjectDir,
		Status:            conv.Status,
		HasRunningProcess: conv.HasRunningProcess,
	}
	upgraded := m.calc.QuickState(snap, procs)
	if upgraded.Status == conv.Status && upgraded.HasRunningProcess == conv.HasRunningProcess {
		return false
	}

	conv.Status = upgraded.Status
	conv.HasRunningProcess = upgraded.HasRunningProcess
	conv.UpdatedAt = time.Now()
	m.registry.Update(conv)

	m.notifier.NotifyConversationStateChange(conv.ID, string(conv.Status), map[string]any{
		"projectDir":        conv.ProjectDir,
		"hasRunningProcess": conv.HasRunningProcess,
	})
	return true
}

// handleFileEvent reacts to a debounced watcher event for one transcript.
func (m *Monitor) handleFileEvent(path string) {
	m.metrics.IncrementCounter("watcher_events", 1)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(m.tracked, path)
			m.cache.InvalidateFile(path)
			m.registry.Remove(conversation.ID(path))
			m.notifyRefresh()
		}
		return
	}

	m.cache.InvalidateFile(path)

	procs, err := DiscoverAgentProcesses()
	if err != nil {
		procs = nil
	}
	if m.refresh(path, info, procs) {
		m.notifyRefresh()
	}
}

func (m *Monitor) housekeep() {
	m.cache.ClearExpired()
	m.metrics.CollectSystemMetrics()
	m.metrics.CleanupOldMetrics()
}

func (m *Monitor) notifyRefresh() {
	m.notifier.NotifyDataRefresh(map[string]any{
		"conversationCount": m.registry.Count(),
		"activeStates":      m.registry.ActiveStates(),
	})
}

// matchProcess finds an agent process whose working directory is the
// conversation's project directory (or a subdirectory of it).
func matchProcess(procs []state.ProcessInfo, projectDir string) *state.ProcessInfo {
	if projectDir == "" {
		return nil
	}
	for i := range procs {
		wd := procs[i].WorkingDir
		if wd == projectDir || strings.HasPrefix(wd, projectDir+string(filepath.Separator)) {
			return &procs[i]
		}
	}
	return nil
}

// lastTextByRole returns the text of the newest message with the given
// role, trimmed to a displayable length.
func lastTextByRole(messages []conversation.Message, role string) string {
	const maxLen = 200
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != role || messages[i].Text == "" {
			continue
		}
		text := messages[i].Text
		if len(text) > maxLen {
			cut := maxLen
			// Back off to a rune boundary so the cut never splits a
			// multi-byte character.
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		return text
	}
	return ""
}
