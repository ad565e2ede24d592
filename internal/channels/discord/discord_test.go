package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

func guildMessage(mutate func(*discordgo.Message)) *discordgo.MessageCreate {
	m := &discordgo.Message{
		ID:        "msg-100",
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		Content:   "what's the weather like?",
		Timestamp: time.Date(2025, 6, 12, 10, 30, 0, 0, time.UTC),
		Author: &discordgo.User{
			ID:         "user-1",
			Username:   "ruru",
			GlobalName: "Ruru",
		},
	}
	if mutate != nil {
		mutate(m)
	}
	return &discordgo.MessageCreate{Message: m}
}

// TestInboundFromCreate checks normalization of gateway message-create
// events, including the events that must never reach the pipeline.
func TestInboundFromCreate(t *testing.T) {
	t.Run("guild message", func(t *testing.T) {
		msg, ok := inboundFromCreate(guildMessage(nil), "bot-user")
		if !ok {
			t.Fatal("expected message to pass normalization")
		}
		if msg.ID != "msg-100" || msg.ChannelID != "chan-1" || msg.AuthorID != "user-1" {
			t.Errorf("unexpected identity fields: %+v", msg)
		}
		if msg.ChannelIsDirect {
			t.Error("guild message flagged as direct")
		}
		if msg.AuthorIsBot {
			t.Error("human author flagged as bot")
		}
		if msg.Content != "what's the weather like?" {
			t.Errorf("content = %q", msg.Content)
		}
	})

	t.Run("direct message flagged", func(t *testing.T) {
		msg, ok := inboundFromCreate(guildMessage(func(m *discordgo.Message) {
			m.GuildID = ""
		}), "bot-user")
		if !ok {
			t.Fatal("expected message to pass normalization")
		}
		if !msg.ChannelIsDirect {
			t.Error("DM not flagged as direct")
		}
	})

	t.Run("bot author carried through", func(t *testing.T) {
		msg, ok := inboundFromCreate(guildMessage(func(m *discordgo.Message) {
			m.Author.Bot = true
		}), "bot-user")
		if !ok {
			t.Fatal("foreign bot messages still reach the pipeline gate")
		}
		if !msg.AuthorIsBot {
			t.Error("bot author not flagged")
		}
	})

	t.Run("own messages dropped", func(t *testing.T) {
		if _, ok := inboundFromCreate(guildMessage(func(m *discordgo.Message) {
			m.Author.ID = "bot-user"
		}), "bot-user"); ok {
			t.Error("kea's own send echoed back into the pipeline")
		}
	})

	t.Run("authorless dropped", func(t *testing.T) {
		if _, ok := inboundFromCreate(guildMessage(func(m *discordgo.Message) {
			m.Author = nil
		}), "bot-user"); ok {
			t.Error("system message passed normalization")
		}
	})

	t.Run("blank content dropped", func(t *testing.T) {
		if _, ok := inboundFromCreate(guildMessage(func(m *discordgo.Message) {
			m.Content = "   "
		}), "bot-user"); ok {
			t.Error("attachment-only message passed normalization")
		}
	})

	t.Run("reply reference carried", func(t *testing.T) {
		msg, ok := inboundFromCreate(guildMessage(func(m *discordgo.Message) {
			m.ReferencedMessage = &discordgo.Message{ID: "msg-90"}
		}), "bot-user")
		if !ok {
			t.Fatal("expected message to pass normalization")
		}
		if msg.ReferencedMessageID != "msg-90" {
			t.Errorf("referenced id = %q, want msg-90", msg.ReferencedMessageID)
		}
	})
}

// TestResolveDisplayName checks the nickname > global name > username
// priority members see in a guild.
func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*discordgo.Message)
		want   string
	}{
		{
			name: "server nickname wins",
			mutate: func(m *discordgo.Message) {
				m.Member = &discordgo.Member{Nick: "Mountain Parrot"}
			},
			want: "Mountain Parrot",
		},
		{
			name:   "global name next",
			mutate: nil,
			want:   "Ruru",
		},
		{
			name: "username as fallback",
			mutate: func(m *discordgo.Message) {
				m.Author.GlobalName = ""
			},
			want: "ruru",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDisplayName(guildMessage(tt.mutate)); got != tt.want {
				t.Errorf("resolveDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
