// Package state classifies a conversation's message history into a discrete
// status. Everything here is pure computation over its inputs — safe to call
// concurrently from any number of goroutines.
package state

import (
	"time"

	"github.com/agentdash/backend/internal/conversation"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusWaiting   Status = "waiting"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
)

// ProcessInfo describes one OS process a conversation may be cross-referenced
// against.
type ProcessInfo struct {
	PID        int
	Command    string
	WorkingDir string
}

// ConversationState is the rich descriptor produced per classification call.
// It is derived, never stored here; callers may cache it themselves.
type ConversationState struct {
	Status                Status     `json:"status"`
	HasRunningProcess     bool       `json:"hasRunningProcess"`
	LastActivity          time.Time  `json:"lastActivity"`
	MessageCount          int        `json:"messageCount"`
	LastUserMessage       *time.Time `json:"lastUserMessage"`
	LastAssistantMessage  *time.Time `json:"lastAssistantMessage"`
	TimeSinceLastActivity int64      `json:"timeSinceLastActivity"` // milliseconds
	IsRecent              bool       `json:"isRecent"`
}

// Snapshot is the minimal conversation view QuickState operates on.
type Snapshot struct {
	ID                string `json:"id"`
	Path              string `json:"path"`
	ProjectDir        string `json:"projectDir"`
	Status            Status `json:"status"`
	HasRunningProcess bool   `json:"hasRunningProcess"`
}

type Calculator struct {
	recentThreshold time.Duration
	idleThreshold   time.Duration

	now func() time.Time
}

func NewCalculator(recent, idle time.Duration) *Calculator {
	if recent <= 0 {
		recent = 60 * time.Second
	}
	if idle <= 0 {
		idle = time.Hour
	}
	return &Calculator{
		recentThreshold: recent,
		idleThreshold:   idle,
		now:             time.Now,
	}
}

// validMessages filters out malformed entries: a record without a role or a
// parsable timestamp is skipped, never fatal. An all-malformed list behaves
// like an empty one.
func validMessages(messages []conversation.Message) []conversation.Message {
	valid := messages[:0:0]
	for _, m := range messages {
		if m.Role == "" || m.Timestamp.IsZero() {
			continue
		}
		valid = append(valid, m)
	}
	return valid
}

// Status classifies the conversation. Rule order:
//  1. empty or all-malformed input: idle
//  2. last activity older than the idle threshold, regardless of role: idle
//  3. last message from the user, within the recent threshold: active
//  4. last message from the user, outside the recent threshold: waiting
//  5. last message from the assistant and the file recently modified:
//     completed, unless its text reads like work in progress (active)
//  6. everything else: idle
func (c *Calculator) Status(messages []conversation.Message, lastModified time.Time) Status {
	valid := validMessages(messages)
	if len(valid) == 0 {
		return StatusIdle
	}

	now := c.now()
	last := valid[len(valid)-1]

	lastActivity := last.Timestamp
	if lastModified.After(lastActivity) {
		lastActivity = lastModified
	}
	if now.Sub(lastActivity) > c.idleThreshold {
		return StatusIdle
	}

	switch last.Role {
	case "user":
		if now.Sub(last.Timestamp) <= c.recentThreshold {
			return StatusActive
		}
		return StatusWaiting
	case "assistant":
		if now.Sub(lastModified) <= c.recentThreshold {
			if refined, ok := classifyAssistantText(last.Text); ok {
				return refined
			}
			return StatusCompleted
		}
	}
	return StatusIdle
}

// State builds the full descriptor from the same classification plus process
// presence and the explicit last-user/last-assistant timestamps found by
// scanning from the end.
func (c *Calculator) State(messages []conversation.Message, lastModified time.Time, proc *ProcessInfo) ConversationState {
	valid := validMessages(messages)
	now := c.now()

	st := ConversationState{
		Status:            c.Status(messages, lastModified),
		HasRunningProcess: proc != nil,
		MessageCount:      len(valid),
	}

	for i := len(valid) - 1; i >= 0; i-- {
		m := valid[i]
		switch m.Role {
		case "user":
			if st.LastUserMessage == nil {
				ts := m.Timestamp
				st.LastUserMessage = &ts
			}
		case "assistant":
			if st.LastAssistantMessage == nil {
				ts := m.Timestamp
				st.LastAssistantMessage = &ts
			}
		}
		if st.LastUserMessage != nil && st.LastAssistantMessage != nil {
			break
		}
	}

	st.LastActivity = lastModified
	if len(valid) > 0 {
		if last := valid[len(valid)-1].Timestamp; last.After(st.LastActivity) {
			st.LastActivity = last
		}
	}
	if !st.LastActivity.IsZero() {
		st.TimeSinceLastActivity = now.Sub(st.LastActivity).Milliseconds()
		st.IsRecent = c.IsRecentActivity(st.LastActivity)
	}

	return st
}

// QuickState cross-references OS processes against the conversation's
// project directory so a poll tick can skip a full reclassification. A match
// forces active; no match leaves the previously known status unchanged — the
// status is only ever upgraded here, never downgraded when a process
// disappears between polls.
func (c *Calculator) QuickState(conv Snapshot, procs []ProcessInfo) Snapshot {
	if conv.ProjectDir == "" {
		return conv
	}
	for _, p := range procs {
		if p.WorkingDir == conv.ProjectDir {
			conv.Status = StatusActive
			conv.HasRunningProcess = true
			return conv
		}
	}
	return conv
}

// IsRecentActivity reports whether the timestamp falls within the recent
// threshold. A zero (unparsable) timestamp is never recent.
func (c *Calculator) IsRecentActivity(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	delta := c.now().Sub(ts)
	return delta >= 0 && delta <= c.recentThreshold
}

// TimeSinceLastActivity returns the elapsed time since ts, or zero for a
// zero/future timestamp rather than a negative duration.
func (c *Calculator) TimeSinceLastActivity(ts time.Time) time.Duration {
	if ts.IsZero() {
		return 0
	}
	delta := c.now().Sub(ts)
	if delta < 0 {
		return 0
	}
	return delta
}
