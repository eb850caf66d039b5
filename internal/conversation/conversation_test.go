package conversation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSkipsMalformedLines(t *testing.T) {
	data := strings.Join([]string{
		`{"type":"user","timestamp":"2026-08-28T10:00:00Z","message":{"role":"user","content":"hello"}}`,
		`this is not json`,
		`{"type":"assistant","timestamp":"2026-08-28T10:00:05Z","message":{"role":"assistant","model":"m1","content":[{"type":"text","text":"hi"}]}}`,
		`{"truncated`,
		``,
	}, "\n")

	messages := Parse([]byte(data))
	require.Len(t, messages, 2)

	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello", messages[0].Text)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "m1", messages[1].Model)
	assert.Equal(t, "hi", messages[1].Text)
}

func TestParseEmptyAndAllMalformed(t *testing.T) {
	assert.Empty(t, Parse(nil))
	assert.Empty(t, Parse([]byte("garbage\nmore garbage\n")))
	// Non-message record types are dropped too.
	assert.Empty(t, Parse([]byte(`{"type":"summary","summary":"did things"}`)))
}

func TestParseToolUseAndUsage(t *testing.T) {
	data := `{"type":"assistant","timestamp":"2026-08-28T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash"},{"type":"tool_use","name":"Read"}],"usage":{"input_tokens":100,"cache_read_input_tokens":50,"output_tokens":20}}}`

	messages := Parse([]byte(data))
	require.Len(t, messages, 1)

	assert.Equal(t, []string{"Bash", "Read"}, messages[0].ToolCalls)
	require.NotNil(t, messages[0].Usage)
	assert.Equal(t, 150, messages[0].Usage.TotalContext())
	assert.Equal(t, 20, messages[0].Usage.OutputTokens)
}

func TestParseTimestamps(t *testing.T) {
	data := `{"type":"user","timestamp":"2026-08-28T10:30:00.123Z","message":{"role":"user","content":"x"}}` + "\n" +
		`{"type":"user","timestamp":"bogus","message":{"role":"user","content":"y"}}`

	messages := Parse([]byte(data))
	require.Len(t, messages, 2)

	want := time.Date(2026, 8, 28, 10, 30, 0, 123000000, time.UTC)
	assert.True(t, messages[0].Timestamp.Equal(want))
	assert.True(t, messages[1].Timestamp.IsZero())
}

func TestLatestUsage(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Usage: &TokenUsage{InputTokens: 10}},
		{Role: "user"},
		{Role: "assistant", Usage: &TokenUsage{InputTokens: 90}},
		{Role: "user"},
	}

	usage := LatestUsage(messages)
	require.NotNil(t, usage)
	assert.Equal(t, 90, usage.InputTokens)

	assert.Nil(t, LatestUsage(nil))
	assert.Nil(t, LatestUsage([]Message{{Role: "user"}}))
}

func TestID(t *testing.T) {
	assert.Equal(t, "abc-123", ID("/home/u/.claude/projects/-home-u-proj/abc-123.jsonl"))
}

func TestEncodeDecodeProjectPath(t *testing.T) {
	dir := t.TempDir()
	encoded := EncodeProjectPath(dir)
	assert.False(t, strings.Contains(encoded, "/"))
	assert.Equal(t, dir, DecodeProjectPath(encoded))
}

func TestDecodeProjectPathWithDashes(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "my-project")
	require.NoError(t, os.Mkdir(dir, 0o755))

	assert.Equal(t, dir, DecodeProjectPath(EncodeProjectPath(dir)))
}
