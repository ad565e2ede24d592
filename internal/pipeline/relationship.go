package pipeline

import (
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/kea-bot/kea/internal/tools"
)

// ContextType labels what the bot's reply was about. The label itself is
// the word used in deletion annotations.
type ContextType string

const (
	ContextChat      ContextType = "Chat"
	ContextWeather   ContextType = "Weather"
	ContextForecast  ContextType = "Forecast"
	ContextTime      ContextType = "Time"
	ContextKnowledge ContextType = "Knowledge"
	ContextArena     ContextType = "Arena"
	ContextImage     ContextType = "Image"
	ContextVersion   ContextType = "Version"
)

// ContextFor maps a capability kind to its annotation label.
func ContextFor(kind tools.Kind) ContextType {
	switch kind {
	case tools.KindWeather:
		return ContextWeather
	case tools.KindForecast:
		return ContextForecast
	case tools.KindTime:
		return ContextTime
	case tools.KindKnowledge:
		return ContextKnowledge
	case tools.KindArena:
		return ContextArena
	case tools.KindImage:
		return ContextImage
	case tools.KindVersion:
		return ContextVersion
	}
	return ContextChat
}

const (
	snippetWidth     = 100
	relationshipTTL  = 24 * time.Hour
	maxRelationships = 2048
)

// Relationship ties an original user message to the bot's reply so a
// deletion can be annotated afterwards.
type Relationship struct {
	BotMessageID    string
	ChannelID       string
	ContextType     ContextType
	Snippet         string
	UserDisplayName string
	StoredAt        time.Time
}

// Relationships is the in-memory association store, keyed by the
// original message ID. Entries are consumed at most once.
type Relationships struct {
	mu sync.Mutex
	m  map[string]Relationship
}

func NewRelationships() *Relationships {
	return &Relationships{m: make(map[string]Relationship)}
}

// Store records the association. Stale entries are pruned on the way in
// so the map cannot grow without bound on a long-lived process.
func (r *Relationships) Store(originalID string, rel Relationship) {
	if originalID == "" {
		return
	}
	now := time.Now()
	if rel.StoredAt.IsZero() {
		rel.StoredAt = now
	}
	rel.Snippet = Snippet(rel.Snippet)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.m) >= maxRelationships {
		for id, old := range r.m {
			if now.Sub(old.StoredAt) > relationshipTTL {
				delete(r.m, id)
			}
		}
	}
	r.m[originalID] = rel
}

// Consume returns the association for the original message and removes
// it. A second call for the same ID returns false.
func (r *Relationships) Consume(originalID string) (Relationship, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.m[originalID]
	if ok {
		delete(r.m, originalID)
	}
	return rel, ok
}

// Len reports the number of tracked associations.
func (r *Relationships) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Snippet shortens content for annotations, counting display cells so
// wide runes do not blow the budget.
func Snippet(content string) string {
	return runewidth.Truncate(content, snippetWidth, "…")
}
