// Package channels contains the platform transports that feed the
// message pipeline. Each adapter normalizes its platform's events into
// pipeline.InboundMessage values and implements pipeline.Acker so the
// runner can drive the placeholder reply it acknowledged with.
package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kea-bot/kea/internal/pipeline"
)

// Channel is a running platform transport.
type Channel interface {
	// Name returns the platform identifier ("discord", "telegram").
	Name() string
	// Start connects to the platform and begins delivering events.
	Start(ctx context.Context) error
	// Stop disconnects and waits briefly for in-flight handlers.
	Stop(ctx context.Context) error
	// Running reports whether the transport is connected.
	Running() bool
}

// Pipeline is the slice of the message pipeline adapters feed.
// *pipeline.Runner satisfies it.
type Pipeline interface {
	HandleMessage(ctx context.Context, msg pipeline.InboundMessage)
	HandleDelete(ctx context.Context, channelID, messageID string)
	HandleEdit(ctx context.Context, channelID, messageID, content string)
}

// SplitMessage breaks content into chunks of at most maxLen bytes.
// Chunks prefer to break at a newline when one falls in the back half
// of the window, so paragraphs survive platform length caps.
func SplitMessage(content string, maxLen int) []string {
	if maxLen <= 0 || len(content) <= maxLen {
		return []string{content}
	}

	var parts []string
	for len(content) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		} else {
			for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = maxLen
			}
		}
		parts = append(parts, content[:cutAt])
		content = content[cutAt:]
	}
	if len(content) > 0 {
		parts = append(parts, content)
	}
	return parts
}

// Truncate shortens s to maxLen bytes for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
