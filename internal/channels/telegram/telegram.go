// Package telegram connects kea to Telegram via Bot API long polling.
//
// The Bot API emits no deletion updates, so trigger-deleted reply
// annotations never fire on this transport. Edits are delivered and
// reconcile history normally.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/kea-bot/kea/internal/channels"
	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/pipeline"
)

const (
	maxMessageLength = 4096
	maxCaptionLength = 1024
)

// Telegram throttles bots to roughly one message per second per chat.
const (
	editInterval = 1200 * time.Millisecond
	editBurst    = 2
)

// Channel is the Telegram transport. It feeds chat messages into the
// pipeline and implements pipeline.Acker for the reply lifecycle.
type Channel struct {
	bot     *telego.Bot
	pipe    channels.Pipeline
	running atomic.Bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	inflight   sync.WaitGroup

	editLimits sync.Map // chat id string → *rate.Limiter

	// A text message cannot be edited into a photo, so attachment
	// updates replace the placeholder with a fresh photo message.
	// Later edits and deletes on the original handle follow the swap.
	remapped  sync.Map // handle key → new message id int
	photoMsgs sync.Map // handle key → struct{}
}

// New creates a Telegram channel from config. No network calls happen
// until Start.
func New(cfg config.TelegramConfig) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{bot: bot}, nil
}

// SetPipeline attaches the message pipeline. The adapter is also the
// pipeline's reply transport, so the two are wired after construction.
func (c *Channel) SetPipeline(p channels.Pipeline) { c.pipe = p }

// Name returns "telegram".
func (c *Channel) Name() string { return "telegram" }

// Running reports whether long polling is active.
func (c *Channel) Running() bool { return c.running.Load() }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	if c.pipe == nil {
		return fmt.Errorf("telegram: no pipeline attached")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "edited_message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	me, err := c.bot.GetMe(pollCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("fetch bot identity: %w", err)
	}

	c.running.Store(true)
	slog.Info("telegram bot connected", "username", me.Username)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(pollCtx, update.Message)
				case update.EditedMessage != nil:
					c.handleEdited(pollCtx, update.EditedMessage)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine and any
// in-flight handlers. Telegram holds a getUpdates lock per bot token,
// so the wait matters before another instance starts.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping telegram bot")
	c.running.Store(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	done := make(chan struct{})
	go func() {
		if c.pollDone != nil {
			<-c.pollDone
		}
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("telegram bot stopped")
	case <-time.After(10 * time.Second):
		slog.Warn("telegram handlers did not drain within timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	inbound, ok := inboundFromMessage(msg)
	if !ok {
		return
	}

	slog.Debug("telegram message received",
		"chat_id", inbound.ChannelID,
		"author", inbound.AuthorName,
		"preview", channels.Truncate(inbound.Content, 50),
	)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.pipe.HandleMessage(ctx, inbound)
	}()
}

func (c *Channel) handleEdited(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	content := messageText(msg)
	if strings.TrimSpace(content) == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	messageID := strconv.Itoa(msg.MessageID)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.pipe.HandleEdit(ctx, chatID, messageID, content)
	}()
}

// inboundFromMessage normalizes a Telegram message. The second return
// is false for events the pipeline should never see: service messages
// and updates with no text content.
func inboundFromMessage(msg *telego.Message) (pipeline.InboundMessage, bool) {
	if msg.From == nil {
		return pipeline.InboundMessage{}, false
	}
	content := messageText(msg)
	if strings.TrimSpace(content) == "" {
		return pipeline.InboundMessage{}, false
	}

	referenced := ""
	if msg.ReplyToMessage != nil {
		referenced = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	return pipeline.InboundMessage{
		ID:                  strconv.Itoa(msg.MessageID),
		ChannelID:           strconv.FormatInt(msg.Chat.ID, 10),
		AuthorID:            strconv.FormatInt(msg.From.ID, 10),
		AuthorName:          displayName(msg.From),
		Content:             content,
		CreatedAt:           time.Unix(int64(msg.Date), 0),
		AuthorIsBot:         msg.From.IsBot,
		ChannelIsDirect:     msg.Chat.Type == "private",
		ReferencedMessageID: referenced,
	}, true
}

func messageText(msg *telego.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// displayName prefers the public @username and falls back to the
// first name, which is the only field Telegram guarantees.
func displayName(u *telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}

// Send posts text to a chat and returns a handle on the first message.
func (c *Channel) Send(ctx context.Context, channelID, text string) (pipeline.Handle, error) {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return pipeline.Handle{}, err
	}

	parts := channels.SplitMessage(stripSubtext(text), maxMessageLength)
	first, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), parts[0]))
	if err != nil {
		return pipeline.Handle{}, fmt.Errorf("send telegram message: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part)); err != nil {
			slog.Warn("telegram chunk send failed", "chat_id", channelID, "error", err)
			break
		}
	}

	return pipeline.Handle{ChannelID: channelID, MessageID: strconv.Itoa(first.MessageID)}, nil
}

// Edit rewrites a previously sent message. Attachment updates replace
// the message with a photo because Telegram cannot attach media to an
// existing text message.
func (c *Channel) Edit(ctx context.Context, h pipeline.Handle, u pipeline.Update) error {
	chatID, messageID, err := c.resolve(h)
	if err != nil {
		return err
	}
	if err := c.editLimiter(h.ChannelID).Wait(ctx); err != nil {
		return fmt.Errorf("edit throttle: %w", err)
	}

	text := stripSubtext(u.Text)

	if u.AttachmentPath != "" {
		return c.swapForPhoto(ctx, h, chatID, messageID, text, u.AttachmentPath)
	}

	if _, isPhoto := c.photoMsgs.Load(handleKey(h)); isPhoto {
		_, err = c.bot.EditMessageCaption(ctx, &telego.EditMessageCaptionParams{
			ChatID:    tu.ID(chatID),
			MessageID: messageID,
			Caption:   firstChunk(text, maxCaptionLength),
		})
	} else {
		_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(chatID),
			MessageID: messageID,
			Text:      firstChunk(text, maxMessageLength),
		})
	}
	if err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

// swapForPhoto sends the image with the reply text as caption, then
// removes the placeholder and records the message id swap.
func (c *Channel) swapForPhoto(ctx context.Context, h pipeline.Handle, chatID int64, messageID int, text, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	parts := channels.SplitMessage(text, maxCaptionLength)
	photo := tu.Photo(tu.ID(chatID), tu.File(f)).WithCaption(parts[0])
	sent, err := c.bot.SendPhoto(ctx, photo)
	if err != nil {
		return fmt.Errorf("send telegram photo: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part)); err != nil {
			slog.Warn("telegram caption overflow send failed", "chat_id", h.ChannelID, "error", err)
			break
		}
	}

	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	}); err != nil {
		slog.Warn("telegram placeholder delete failed", "chat_id", h.ChannelID, "error", err)
	}

	c.remapped.Store(handleKey(h), sent.MessageID)
	c.photoMsgs.Store(handleKey(h), struct{}{})
	return nil
}

// Delete removes a previously sent message.
func (c *Channel) Delete(ctx context.Context, h pipeline.Handle) error {
	chatID, messageID, err := c.resolve(h)
	if err != nil {
		return err
	}
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	}); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

// resolve parses the handle and follows any photo swap remapping.
func (c *Channel) resolve(h pipeline.Handle) (int64, int, error) {
	chatID, err := parseChatID(h.ChannelID)
	if err != nil {
		return 0, 0, err
	}
	if newID, ok := c.remapped.Load(handleKey(h)); ok {
		return chatID, newID.(int), nil
	}
	messageID, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("parse message id %q: %w", h.MessageID, err)
	}
	return chatID, messageID, nil
}

func (c *Channel) editLimiter(chatID string) *rate.Limiter {
	if lim, ok := c.editLimits.Load(chatID); ok {
		return lim.(*rate.Limiter)
	}
	lim, _ := c.editLimits.LoadOrStore(chatID, rate.NewLimiter(rate.Every(editInterval), editBurst))
	return lim.(*rate.Limiter)
}

func handleKey(h pipeline.Handle) string {
	return h.ChannelID + ":" + h.MessageID
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", s, err)
	}
	return id, nil
}

// stripSubtext removes the "-# " subtext markers from reply footers
// and annotations. They are platform markup Telegram renders literally.
func stripSubtext(s string) string {
	s = strings.TrimPrefix(s, "-# ")
	return strings.ReplaceAll(s, "\n-# ", "\n")
}

func firstChunk(s string, maxLen int) string {
	return channels.SplitMessage(s, maxLen)[0]
}
