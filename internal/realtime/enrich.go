package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
)

// UnknownDisplay renders when a sender cannot be resolved to a name.
const UnknownDisplay = "Unknown"

const enrichTimeout = 5 * time.Second

// Enricher turns a feed event into a display-ready message: canonical row by
// id plus the sender's display name. Both lookups are best-effort; a failed
// row fetch degrades to the raw payload, a failed name lookup degrades to
// "Unknown". Both variants flow through the same merge logic downstream.
type Enricher struct {
	messages  store.MessageStore
	directory store.DirectoryStore
}

// NewEnricher creates an enricher over the message and directory stores.
func NewEnricher(messages store.MessageStore, directory store.DirectoryStore) *Enricher {
	return &Enricher{messages: messages, directory: directory}
}

// Enrich fetches the canonical row for ev and resolves the sender display
// name. Never returns an error: on fetch failure it falls back to a message
// built from the raw notification payload so the event is degraded, not
// dropped.
func (e *Enricher) Enrich(ctx context.Context, ev MessageEvent) messaging.Message {
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	msg, err := e.messages.GetMessage(ctx, ev.MessageID)
	if err != nil {
		slog.Debug("enrich fetch failed, using raw payload", "message", ev.MessageID, "error", err)
		msg = fromRaw(ev.Raw)
	}
	msg.SenderDisplay = e.DisplayName(ctx, msg.Sender)
	return *msg
}

// DisplayName resolves a sender to a display name, "Unknown" on any failure.
func (e *Enricher) DisplayName(ctx context.Context, s messaging.Sender) string {
	if e.directory == nil {
		return UnknownDisplay
	}
	var (
		name string
		err  error
	)
	switch s.Kind {
	case messaging.SenderUser:
		name, err = e.directory.UserName(ctx, s.ID)
	case messaging.SenderDriver:
		name, err = e.directory.DriverName(ctx, s.ID)
	case messaging.SenderCompany:
		name, err = e.directory.CompanyName(ctx, s.ID)
	default:
		return UnknownDisplay
	}
	if err != nil || name == "" {
		return UnknownDisplay
	}
	return name
}

func fromRaw(raw RawMessage) *messaging.Message {
	return &messaging.Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		Sender:         raw.Sender,
		Body:           raw.Body,
		Type:           raw.Type,
		Metadata:       raw.Metadata,
		ClientRef:      raw.ClientRef,
		CreatedAt:      raw.CreatedAt,
	}
}
