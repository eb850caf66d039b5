package monitor

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/agentdash/backend/internal/cache"
	"github.com/agentdash/backend/internal/conversation"
)

// TokenTotals summarizes a conversation's token footprint. Estimated is set
// when the transcript carried no usage records and the totals come from
// encoding the message text instead.
type TokenTotals struct {
	Input         int  `json:"input"`
	Output        int  `json:"output"`
	CacheRead     int  `json:"cacheRead"`
	CacheCreation int  `json:"cacheCreation"`
	Estimated     bool `json:"estimated"`
}

func (t TokenTotals) TotalContext() int {
	return t.Input + t.CacheRead + t.CacheCreation
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// estimateTokens counts tokens in text with the cl100k encoding, falling
// back to the usual 4-bytes-per-token approximation if the codec is
// unavailable.
func estimateTokens(text string) int {
	codecOnce.Do(func() {
		codec, _ = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return len(text) / 4
}

// conversationTokenUsage resolves the conversation's token totals through
// the cache's computed tier, so the work happens once per file version.
func conversationTokenUsage(c *cache.Cache, path string) (TokenTotals, error) {
	v, err := c.Computed("token_usage", path, func() (any, error) {
		messages, err := c.Conversation(path)
		if err != nil {
			return nil, err
		}

		if usage := conversation.LatestUsage(messages); usage != nil {
			return TokenTotals{
				Input:         usage.InputTokens,
				Output:        usage.OutputTokens,
				CacheRead:     usage.CacheReadInputTokens,
				CacheCreation: usage.CacheCreationInputTokens,
			}, nil
		}

		// No usage records (older CLI versions, partial transcripts):
		// estimate from the message text itself.
		totals := TokenTotals{Estimated: true}
		for _, m := range messages {
			n := estimateTokens(m.Text)
			if m.Role == "assistant" {
				totals.Output += n
			} else {
				totals.Input += n
			}
		}
		return totals, nil
	})
	if err != nil {
		return TokenTotals{}, err
	}

	totals, ok := v.(TokenTotals)
	if !ok {
		return TokenTotals{}, fmt.Errorf("unexpected cached value %T for token_usage", v)
	}
	return totals, nil
}
