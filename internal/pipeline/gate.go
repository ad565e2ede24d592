package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/kea-bot/kea/internal/config"
)

// Gate rejection reasons. These feed telemetry counters, so the set is
// small and fixed.
const (
	SkipBotAuthor     = "bot-author"
	SkipDirectMessage = "direct-message"
	SkipIgnorePrefix  = "ignored-prefix"
	SkipChannel       = "channel-not-allowed"
	SkipBlockedUser   = "blocked-user"
)

// BlockedLookup answers whether a user is barred from the bot.
// Implementations may call out to an external moderation service.
type BlockedLookup interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
}

// Gate decides whether an inbound message starts a pipeline run. Checks
// are ordered cheapest first and short-circuit on the first rejection.
// A rejected message is a no-op: no reply, no lock, no rate-limit charge.
type Gate struct {
	mu           sync.RWMutex
	ignorePrefix string
	allowed      map[string]struct{}
	blockedUsers map[string]struct{}

	lookup BlockedLookup // optional external registry, checked last
}

// NewGate builds a gate from moderation settings. lookup may be nil.
func NewGate(cfg config.ModerationConfig, lookup BlockedLookup) *Gate {
	g := &Gate{lookup: lookup}
	g.UpdateModeration(cfg)
	return g
}

// UpdateModeration swaps in new moderation settings. Called by the
// config watcher on file change; safe under concurrent Check calls.
func (g *Gate) UpdateModeration(cfg config.ModerationConfig) {
	allowed := make(map[string]struct{}, len(cfg.AllowedChannels))
	for _, id := range cfg.AllowedChannels {
		allowed[id] = struct{}{}
	}
	blocked := make(map[string]struct{}, len(cfg.BlockedUsers))
	for _, id := range cfg.BlockedUsers {
		blocked[id] = struct{}{}
	}

	g.mu.Lock()
	g.ignorePrefix = cfg.IgnorePrefix
	g.allowed = allowed
	g.blockedUsers = blocked
	g.mu.Unlock()
}

// Check returns nil when the message should be processed, or a *GateSkip
// naming the first failed predicate.
func (g *Gate) Check(ctx context.Context, msg InboundMessage) error {
	if msg.AuthorIsBot {
		return &GateSkip{Reason: SkipBotAuthor}
	}
	if msg.ChannelIsDirect {
		return &GateSkip{Reason: SkipDirectMessage}
	}

	g.mu.RLock()
	prefix := g.ignorePrefix
	_, channelOK := g.allowed[msg.ChannelID]
	_, userBlocked := g.blockedUsers[msg.AuthorID]
	g.mu.RUnlock()

	if prefix != "" && strings.HasPrefix(msg.Content, prefix) {
		return &GateSkip{Reason: SkipIgnorePrefix}
	}
	if !channelOK {
		return &GateSkip{Reason: SkipChannel}
	}
	if userBlocked {
		return &GateSkip{Reason: SkipBlockedUser}
	}

	if g.lookup != nil {
		blocked, err := g.lookup.IsBlocked(ctx, msg.AuthorID)
		if err != nil {
			// A moderation outage should not silence the bot. Let the
			// message through and leave a trace.
			slog.Warn("gate: blocked-user lookup failed, allowing message", "user", msg.AuthorID, "error", err)
			return nil
		}
		if blocked {
			return &GateSkip{Reason: SkipBlockedUser}
		}
	}
	return nil
}
