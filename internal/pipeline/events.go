package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// HandleDelete reacts to a user deleting their message. If the bot had
// replied, the reply is edited into a context annotation so the channel
// keeps making sense without the question; the association is consumed
// and cannot fire twice.
func (r *Runner) HandleDelete(ctx context.Context, channelID, messageID string) {
	if err := r.history.Remove(ctx, channelID, messageID); err != nil {
		slog.Warn("pipeline: history remove failed", "channel", channelID, "message", messageID, "error", err)
	}

	rel, ok := r.rels.Consume(messageID)
	if !ok {
		return
	}
	slog.Info("pipeline: annotating reply after deletion",
		"channel", rel.ChannelID, "bot_message", rel.BotMessageID, "context", rel.ContextType)
	editQuiet(ctx, r.acker, Handle{ChannelID: rel.ChannelID, MessageID: rel.BotMessageID}, Update{Text: annotationFor(rel)})
}

// HandleEdit reacts to a user editing their message. Only the stored
// conversation history is reconciled; an already-sent reply and its
// deletion bookkeeping stay exactly as they are.
func (r *Runner) HandleEdit(ctx context.Context, channelID, messageID, newContent string) {
	if err := r.history.UpdateContent(ctx, channelID, messageID, newContent); err != nil {
		slog.Warn("pipeline: history update failed", "channel", channelID, "message", messageID, "error", err)
	}
}

// annotationFor words the replacement text left on the bot's reply when
// the originating message disappears.
func annotationFor(rel Relationship) string {
	label := string(rel.ContextType)
	if rel.Snippet == "" {
		return fmt.Sprintf("-# %s request from %s (original message deleted)", label, rel.UserDisplayName)
	}
	return fmt.Sprintf("-# %s request from %s (original message deleted): %q", label, rel.UserDisplayName, rel.Snippet)
}
