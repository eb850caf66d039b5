package state

import "strings"

// textRule maps assistant-text keywords to a status. The rules are a
// best-effort heuristic with known false positives and negatives; treat the
// keyword lists as a tunable table, not ground truth. Order matters: the
// first rule with a matching keyword wins.
type textRule struct {
	keywords []string
	status   Status
}

var assistantTextRules = []textRule{
	// Phrases that signal the assistant is mid-task and more output is
	// coming.
	{
		keywords: []string{
			"let me", "i'll", "i will", "going to", "working on",
			"running", "creating", "checking", "looking at",
		},
		status: StatusActive,
	},
	// Phrases that signal the turn wrapped up.
	{
		keywords: []string{
			"completed", "done", "finished", "created", "fixed",
			"implemented", "all set",
		},
		status: StatusCompleted,
	},
}

// classifyAssistantText scans the tail of an assistant message for status
// keywords. Only the last few hundred characters are considered — that is
// where a wrap-up or a continuation phrase lives.
func classifyAssistantText(text string) (Status, bool) {
	if text == "" {
		return "", false
	}
	tail := strings.ToLower(text)
	if len(tail) > 400 {
		tail = tail[len(tail)-400:]
	}
	for _, rule := range assistantTextRules {
		for _, kw := range rule.keywords {
			if strings.Contains(tail, kw) {
				return rule.status, true
			}
		}
	}
	return "", false
}
