// Package conversation defines the parsed record model for coding-agent
// conversation files (JSONL transcripts under ~/.claude/projects) and the
// line-tolerant parser that produces it.
package conversation

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// TokenUsage mirrors the usage block attached to assistant messages.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// TotalContext returns the full context footprint of the request that
// produced this usage record.
func (t TokenUsage) TotalContext() int {
	return t.InputTokens + t.CacheCreationInputTokens + t.CacheReadInputTokens
}

// Message is one parsed transcript record. Role is "user" or "assistant";
// other record types (summaries, progress markers) are dropped by the parser.
type Message struct {
	Role      string      `json:"role"`
	Timestamp time.Time   `json:"timestamp"`
	Model     string      `json:"model,omitempty"`
	Text      string      `json:"text"`
	ToolCalls []string    `json:"toolCalls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

type rawEntry struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Usage   *TokenUsage     `json:"usage,omitempty"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// Parse splits data on newlines and parses each line independently. A
// malformed line is skipped, never fatal: transcripts are appended to by a
// live process and the last line is often truncated mid-write.
func Parse(data []byte) []Message {
	var messages []Message

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var entry rawEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Type != "user" && entry.Type != "assistant" {
			continue
		}

		msg := Message{Role: entry.Type}
		if entry.Timestamp != "" {
			if t, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
				msg.Timestamp = t
			}
		}
		decodeMessageBody(entry.Message, &msg)
		messages = append(messages, msg)
	}

	return messages
}

func decodeMessageBody(raw json.RawMessage, msg *Message) {
	if raw == nil {
		return
	}

	var body rawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	if body.Role != "" {
		msg.Role = body.Role
	}
	msg.Model = body.Model
	msg.Usage = body.Usage

	// Content is either a plain string or a block array.
	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		msg.Text = text
		return
	}

	var blocks []contentBlock
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return
	}
	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, block.Name)
		}
	}
	msg.Text = strings.Join(parts, "\n")
}

// LatestUsage scans from the end for the most recent usage record.
// Returns nil when no message carries one.
func LatestUsage(messages []Message) *TokenUsage {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Usage != nil {
			return messages[i].Usage
		}
	}
	return nil
}

// ID derives the conversation identifier from its file path; transcripts
// are named <uuid>.jsonl.
func ID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// EncodeProjectPath converts a working directory into the directory name the
// agent CLI uses under its projects root: every path separator becomes a
// dash, including the leading one.
func EncodeProjectPath(path string) string {
	return strings.ReplaceAll(filepath.Clean(path), "/", "-")
}

// DecodeProjectPath reverses EncodeProjectPath on a best-effort basis. Dashes
// are ambiguous (a directory name may itself contain them), so candidates are
// probed against the filesystem from the most to the least slash-heavy
// interpretation.
func DecodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}

	parts := strings.Split(encoded[1:], "-")
	for slashes := len(parts); slashes > 0; slashes-- {
		candidate := "/" + strings.Join(parts[:slashes], "/")
		if slashes < len(parts) {
			candidate = candidate + "/" + strings.Join(parts[slashes:], "-")
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	// Nothing on disk matches; return the all-slashes reading.
	return "/" + strings.Join(parts, "/")
}

// ProjectDir returns the decoded working directory for a conversation file,
// derived from the name of its parent directory.
func ProjectDir(path string) string {
	parent := filepath.Base(filepath.Dir(path))
	if parent == "" || parent == "." || parent == "/" {
		return ""
	}
	return DecodeProjectPath(parent)
}
