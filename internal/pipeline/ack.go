package pipeline

import (
	"context"
	"log/slog"
)

// Handle identifies the bot's reply-slot message on the platform.
type Handle struct {
	ChannelID string
	MessageID string
}

// Update is one edit of the reply slot. AttachmentPath, when set, points
// to a local file the transport uploads alongside the text.
type Update struct {
	Text           string
	AttachmentPath string
}

// Acker creates and mutates the reply slot. Transports implement it;
// tests fake it.
type Acker interface {
	Send(ctx context.Context, channelID, text string) (Handle, error)
	Edit(ctx context.Context, h Handle, u Update) error
	Delete(ctx context.Context, h Handle) error
}

// editQuiet applies an edit and swallows the error. Edits race against
// users deleting the bot's message; a vanished target is logged and
// ignored, never retried, never surfaced.
func editQuiet(ctx context.Context, acker Acker, h Handle, u Update) {
	if err := acker.Edit(ctx, h, u); err != nil {
		slog.Warn("ack: edit failed", "channel", h.ChannelID, "message", h.MessageID, "error", err)
	}
}
