// Package realtime keeps open conversation surfaces synchronized with the
// message store: a change feed abstraction, per-thread and per-list
// synchronizers with owned subscription lifecycles, and a websocket client
// for remote feeds.
//
// Delivery on the feed is at-least-once and unordered; synchronizers merge
// idempotently by message id and order by creation timestamp.
package realtime

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
)

// EventMessageInserted is the only event kind the core feed carries.
const EventMessageInserted = "message.inserted"

// RawMessage is the inserted row as carried on the feed: enough to render a
// degraded message when the enrichment fetch fails, never enriched itself.
type RawMessage struct {
	ID             uuid.UUID              `json:"id"`
	ConversationID uuid.UUID              `json:"conversation_id"`
	Sender         messaging.Sender       `json:"sender"`
	Body           string                 `json:"body"`
	Type           messaging.MessageType  `json:"type"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	ClientRef      string                 `json:"client_ref,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// MessageEvent notifies subscribers that a row was inserted.
type MessageEvent struct {
	Kind           string     `json:"kind"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	MessageID      uuid.UUID  `json:"message_id"`
	Raw            RawMessage `json:"raw"`
}

// EventFromMessage builds the feed event for a stored message.
func EventFromMessage(m *messaging.Message) MessageEvent {
	return MessageEvent{
		Kind:           EventMessageInserted,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Raw: RawMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender:         m.Sender,
			Body:           m.Body,
			Type:           m.Type,
			Metadata:       m.Metadata,
			ClientRef:      m.ClientRef,
			CreatedAt:      m.CreatedAt,
		},
	}
}

// Handler receives feed events. Called from the feed's delivery goroutine;
// implementations must not block.
type Handler func(MessageEvent)

// Publisher is the write side of the feed, used by the message router.
type Publisher interface {
	PublishMessage(ev MessageEvent)
}

// Feed is the subscription side. Conversation subscriptions deliver only
// events for that conversation id; scope subscriptions deliver events across
// all conversations and leave filtering to the subscriber (the list
// synchronizer applies the actor's policy there).
type Feed interface {
	SubscribeConversation(convID uuid.UUID, h Handler) (*Subscription, error)
	SubscribeScope(scope string, h Handler) (*Subscription, error)
}
