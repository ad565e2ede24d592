// Package discord connects kea to Discord through the gateway API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/kea-bot/kea/internal/channels"
	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/pipeline"
)

const maxMessageLength = 2000

// Discord allows roughly five edits per five seconds per channel before
// it starts returning 429s. The per-channel limiter smooths placeholder
// edits under that ceiling.
const (
	editInterval = 1200 * time.Millisecond
	editBurst    = 3
)

// Channel is the Discord transport. It feeds guild messages into the
// pipeline and implements pipeline.Acker for the reply lifecycle.
type Channel struct {
	session   *discordgo.Session
	pipe      channels.Pipeline
	botUserID string
	runCtx    context.Context
	running   atomic.Bool

	editLimits sync.Map // channelID string → *rate.Limiter
	inflight   sync.WaitGroup
}

// New creates a Discord channel from config. The session is not opened
// until Start.
func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &Channel{session: session}, nil
}

// SetPipeline attaches the message pipeline. The adapter is also the
// pipeline's reply transport, so the two are wired after construction.
func (c *Channel) SetPipeline(p channels.Pipeline) { c.pipe = p }

// Name returns "discord".
func (c *Channel) Name() string { return "discord" }

// Running reports whether the gateway connection is open.
func (c *Channel) Running() bool { return c.running.Load() }

// Start opens the gateway connection and registers event handlers.
func (c *Channel) Start(ctx context.Context) error {
	if c.pipe == nil {
		return fmt.Errorf("discord: no pipeline attached")
	}
	c.runCtx = ctx

	c.session.AddHandler(c.handleMessageCreate)
	c.session.AddHandler(c.handleMessageUpdate)
	c.session.AddHandler(c.handleMessageDelete)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch bot user: %w", err)
	}
	c.botUserID = user.ID

	c.running.Store(true)
	slog.Info("discord bot connected", "username", user.Username, "user_id", user.ID)
	return nil
}

// Stop closes the gateway connection and waits up to ten seconds for
// in-flight message handlers to finish.
func (c *Channel) Stop(ctx context.Context) error {
	slog.Info("stopping discord bot")
	c.running.Store(false)

	if err := c.session.Close(); err != nil {
		slog.Warn("discord session close failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("discord bot stopped")
	case <-time.After(10 * time.Second):
		slog.Warn("discord handlers did not drain within timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Channel) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := inboundFromCreate(m, c.botUserID)
	if !ok {
		return
	}

	slog.Debug("discord message received",
		"channel_id", msg.ChannelID,
		"author", msg.AuthorName,
		"preview", channels.Truncate(msg.Content, 50),
	)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.pipe.HandleMessage(c.runCtx, msg)
	}()
}

func (c *Channel) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	// Embed unfurls and bot edits arrive as updates too. Only author
	// edits with real text matter to history.
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.pipe.HandleEdit(c.runCtx, m.ChannelID, m.ID, m.Content)
	}()
}

func (c *Channel) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.pipe.HandleDelete(c.runCtx, m.ChannelID, m.ID)
	}()
}

// inboundFromCreate normalizes a gateway message-create event. The
// second return is false for events the pipeline should never see:
// authorless system messages, kea's own sends, and empty bodies.
func inboundFromCreate(m *discordgo.MessageCreate, botUserID string) (pipeline.InboundMessage, bool) {
	if m.Author == nil {
		return pipeline.InboundMessage{}, false
	}
	if botUserID != "" && m.Author.ID == botUserID {
		return pipeline.InboundMessage{}, false
	}
	if strings.TrimSpace(m.Content) == "" {
		return pipeline.InboundMessage{}, false
	}

	referenced := ""
	if m.ReferencedMessage != nil {
		referenced = m.ReferencedMessage.ID
	}

	return pipeline.InboundMessage{
		ID:                  m.ID,
		ChannelID:           m.ChannelID,
		AuthorID:            m.Author.ID,
		AuthorName:          resolveDisplayName(m),
		Content:             m.Content,
		CreatedAt:           m.Timestamp,
		AuthorIsBot:         m.Author.Bot,
		ChannelIsDirect:     m.GuildID == "",
		ReferencedMessageID: referenced,
	}, true
}

// resolveDisplayName picks the name members actually see in the guild:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// Send posts text to a channel and returns a handle on the first
// message so the caller can keep editing it. Oversized text is chunked
// the same way final replies are.
func (c *Channel) Send(ctx context.Context, channelID, text string) (pipeline.Handle, error) {
	parts := channels.SplitMessage(text, maxMessageLength)

	first, err := c.session.ChannelMessageSend(channelID, parts[0])
	if err != nil {
		return pipeline.Handle{}, fmt.Errorf("send discord message: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := c.session.ChannelMessageSend(channelID, part); err != nil {
			slog.Warn("discord chunk send failed", "channel_id", channelID, "error", err)
			break
		}
	}

	return pipeline.Handle{ChannelID: channelID, MessageID: first.ID}, nil
}

// Edit rewrites a previously sent message. When the update carries an
// attachment path the file is uploaded alongside the new text.
func (c *Channel) Edit(ctx context.Context, h pipeline.Handle, u pipeline.Update) error {
	if err := c.editLimiter(h.ChannelID).Wait(ctx); err != nil {
		return fmt.Errorf("edit throttle: %w", err)
	}

	if u.AttachmentPath == "" {
		if _, err := c.session.ChannelMessageEdit(h.ChannelID, h.MessageID, u.Text); err != nil {
			return fmt.Errorf("edit discord message: %w", err)
		}
		return nil
	}

	f, err := os.Open(u.AttachmentPath)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	text := u.Text
	edit := &discordgo.MessageEdit{
		Channel: h.ChannelID,
		ID:      h.MessageID,
		Content: &text,
		Files: []*discordgo.File{{
			Name:   filepath.Base(u.AttachmentPath),
			Reader: f,
		}},
	}
	if _, err := c.session.ChannelMessageEditComplex(edit); err != nil {
		return fmt.Errorf("edit discord message with attachment: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Channel) Delete(ctx context.Context, h pipeline.Handle) error {
	if err := c.session.ChannelMessageDelete(h.ChannelID, h.MessageID); err != nil {
		return fmt.Errorf("delete discord message: %w", err)
	}
	return nil
}

func (c *Channel) editLimiter(channelID string) *rate.Limiter {
	if lim, ok := c.editLimits.Load(channelID); ok {
		return lim.(*rate.Limiter)
	}
	lim, _ := c.editLimits.LoadOrStore(channelID, rate.NewLimiter(rate.Every(editInterval), editBurst))
	return lim.(*rate.Limiter)
}
