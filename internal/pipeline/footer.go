package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kea-bot/kea/internal/providers"
)

// MaxMessageLength is the platform cap on a single message.
const MaxMessageLength = 2000

// Footer is the standardized trailing line on every finished reply,
// rendered as platform subtext. It is built only from numbers local to
// the run, so identical run data always renders the identical footer.
type Footer struct {
	Elapsed  time.Duration
	Usage    providers.Usage
	APICalls map[string]int64
}

// String renders like "\n\n-# 2.3s · 812 tokens · completion ×1 · weather ×1".
func (f Footer) String() string {
	parts := []string{fmt.Sprintf("%.1fs", f.Elapsed.Seconds())}
	if f.Usage.TotalTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", f.Usage.TotalTokens))
	}
	kinds := make([]string, 0, len(f.APICalls))
	for kind, n := range f.APICalls {
		if n > 0 {
			kinds = append(kinds, fmt.Sprintf("%s ×%d", kind, n))
		}
	}
	sort.Strings(kinds)
	parts = append(parts, kinds...)
	return "\n\n-# " + strings.Join(parts, " · ")
}

// Compose appends the footer to body, truncating the body first so the
// total never exceeds MaxMessageLength. The footer's exact rendered
// length is reserved before any truncation; the footer itself is never
// cut.
func Compose(body string, f Footer) string {
	footer := f.String()
	budget := MaxMessageLength - len(footer)
	if budget < 0 {
		return truncateText(footer, MaxMessageLength)
	}
	if len(body) > budget {
		body = truncateText(body, budget)
	}
	return body + footer
}

// truncateText cuts s to at most max bytes on a rune boundary, marking
// the cut with an ellipsis when there is room for one.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	const ellipsis = "…"
	if max <= len(ellipsis) {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut]
	}
	cut := max - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
