package pipeline

import (
	"log/slog"
	"regexp"
	"strings"
)

// Reasoning models behind OpenAI-compatible endpoints (DeepSeek, QwQ,
// local vLLM deployments) sometimes leak their thinking block into the
// content field instead of keeping it in a separate channel. Go's
// regexp has no backreferences, so each tag pair gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

// sanitizeReply strips leaked reasoning tags and consecutive duplicate
// paragraphs from completion text, then trims surrounding whitespace.
// Every reply passes through here before it reaches a channel or the
// history store.
func sanitizeReply(content string) string {
	if content == "" {
		return content
	}

	original := content
	content = stripThinkingTags(content)
	content = collapseDuplicateBlocks(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized reply", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
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

// collapseDuplicateBlocks drops a paragraph when it repeats the one
// before it, an artifact small models produce under tight token limits.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}
