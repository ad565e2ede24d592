package pipeline

import (
	"regexp"
	"strings"
)

// IntentFilter decides whether a message should short-circuit straight
// to a capability, skipping the completion call. The regex heuristic
// below is the default; swap the interface to try an embedding-based
// classifier without touching the dispatcher.
type IntentFilter interface {
	Match(text string) (*FunctionCall, bool)
}

// imageIntentPatterns match imperative image requests aimed at the bot.
// Anchored variants strip the command words so only the subject reaches
// the image model as the prompt.
var imageIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:please[,\s]+)?(?:can|could|would)?\s*(?:you\s+)?(?:draw|paint|sketch)\s+(?:me\s+|us\s+)?`),
	regexp.MustCompile(`(?i)^(?:please[,\s]+)?(?:generate|create|make)\s+(?:me\s+|us\s+)?(?:an?\s+|some\s+)?(?:image|picture|photo|drawing|painting|artwork|art)\s+(?:of\s+|showing\s+)?`),
	regexp.MustCompile(`(?i)^(?:please[,\s]+)?(?:imagine|visualize)\s+`),
}

// ImageIntentFilter is the regex heuristic for image requests.
type ImageIntentFilter struct {
	patterns []*regexp.Regexp
}

func NewImageIntentFilter() *ImageIntentFilter {
	return &ImageIntentFilter{patterns: imageIntentPatterns}
}

// Match reports whether text reads as a direct image request. On a
// match it returns a create_image call carrying the extracted prompt.
func (f *ImageIntentFilter) Match(text string) (*FunctionCall, bool) {
	trimmed := strings.TrimSpace(text)
	for _, p := range f.patterns {
		loc := p.FindStringIndex(trimmed)
		if loc == nil || loc[0] != 0 {
			continue
		}
		prompt := strings.TrimSpace(trimmed[loc[1]:])
		if prompt == "" {
			prompt = trimmed
		}
		return &FunctionCall{
			Name: "create_image",
			Args: map[string]interface{}{"prompt": prompt},
		}, true
	}
	return nil, false
}
