// Package pipeline coordinates everything between an inbound chat message
// and the bot's finished reply: gating, per-channel exclusivity, rate
// limiting, dispatch, function execution, synthesis with fallbacks, and
// the bookkeeping that keeps replies consistent when the original message
// is edited or deleted.
package pipeline

import (
	"time"

	"github.com/kea-bot/kea/internal/providers"
)

// InboundMessage is the transport-normalized inbound event. Adapters
// build it; the pipeline treats it as read-only.
type InboundMessage struct {
	ID                  string
	ChannelID           string
	AuthorID            string
	AuthorName          string // display name, used in deletion annotations
	Content             string
	CreatedAt           time.Time
	AuthorIsBot         bool
	ChannelIsDirect     bool
	ReferencedMessageID string
}

// FunctionCall is a capability selection with its arguments.
type FunctionCall struct {
	Name string
	Args map[string]interface{}
}

// Decision is the dispatcher's verdict: either plain text or a function
// call. When the completion service returns several calls, only the
// first is honored. ViaCompletion is false when the intent pre-filter
// short-circuited and no completion call was made.
type Decision struct {
	Text          string
	Call          *FunctionCall
	Usage         *providers.Usage
	ViaCompletion bool
}
