package agent

import (
	"regexp"
	"strings"
)

// Go regexp doesn't support backreferences, so each tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

// speakerPrefix matches a leading "Kai:" / "カイ：" the model sometimes writes
// as if it were a script.
var speakerPrefix = regexp.MustCompile(`^(?i)(kai|カイ)\s*[:：]\s*`)

// maxReplyRunes keeps generated replies chat-sized.
const maxReplyRunes = 400

// SanitizeReply cleans generated text before it is sent: reasoning tags,
// speaker prefixes, wrapping quotes and repeated paragraphs are removed.
func SanitizeReply(content string) string {
	content = stripThinkingTags(content)
	content = strings.TrimSpace(content)
	content = speakerPrefix.ReplaceAllString(content, "")
	content = stripWrappingQuotes(content)
	content = collapseConsecutiveDuplicateBlocks(content)

	if r := []rune(content); len(r) > maxReplyRunes {
		content = string(r[:maxReplyRunes]) + "…"
	}
	return strings.TrimSpace(content)
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return content
}

func stripWrappingQuotes(content string) string {
	for _, q := range [][2]string{{"「", "」"}, {`"`, `"`}, {"『", "』"}} {
		if strings.HasPrefix(content, q[0]) && strings.HasSuffix(content, q[1]) && len(content) > len(q[0])+len(q[1]) {
			inner := content[len(q[0]) : len(content)-len(q[1])]
			// 「a」と「b」 is two quotes, not one wrapped reply
			if !strings.Contains(inner, q[0]) {
				return strings.TrimSpace(inner)
			}
		}
	}
	return content
}

// collapseConsecutiveDuplicateBlocks removes repeated paragraph blocks.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}
