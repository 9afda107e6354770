package nlparse

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"taskpilot/internal/core"
)

const (
	maxNameRunes   = 60
	defaultMessage = "Reminder"
)

var (
	webhookVerb = regexp.MustCompile(`(?i)\b(?:call\s+webhook|post\s+to|ping)\s+(https?://\S+)`)
	aiVerb      = regexp.MustCompile(`(?i)\b(?:send\s+me|summarize|summary|ask\s+ai|generate|write\s+me)\b`)

	leadingFiller  = regexp.MustCompile(`(?i)^(?:please|remind\s+me|remind|to|about|that|of)(?:\s+|$)`)
	trailingFiller = regexp.MustCompile(`(?i)\s+(?:at|on|for|to)$`)
	schedulePhrase = regexp.MustCompile(`(?i)^schedule\s+(.+?)(?:\s+for)?$`)
)

// inferAction derives the action from the text left once the time phrase is
// removed.
func inferAction(rest string) core.Action {
	if m := webhookVerb.FindStringSubmatch(rest); m != nil {
		return core.Action{
			Type:     core.ActionWebhook,
			URL:      strings.TrimRight(m[1], ".,;"),
			Metadata: map[string]any{"text": cleanMessage(rest)},
		}
	}
	msg := cleanMessage(rest)
	if aiVerb.MatchString(rest) {
		return core.Action{Type: core.ActionAIRequest, Prompt: msg, SendToUser: true}
	}
	return core.Action{Type: core.ActionSendMessage, Message: msg}
}

func cleanMessage(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " ,.;:!-")
	if m := schedulePhrase.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	for {
		next := trailingFiller.ReplaceAllString(leadingFiller.ReplaceAllString(s, ""), "")
		next = strings.Trim(next, " ,.;:!-")
		if next == s {
			break
		}
		s = next
	}
	if s == "" {
		return defaultMessage
	}
	return s
}

func taskName(a core.Action) string {
	var s string
	switch a.Type {
	case core.ActionAIRequest:
		s = a.Prompt
	case core.ActionWebhook:
		s = "webhook " + a.URL
	default:
		s = a.Message
	}
	if utf8.RuneCountInString(s) <= maxNameRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:maxNameRunes-1])) + "…"
}
