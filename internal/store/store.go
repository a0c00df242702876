// Package store defines the storage interfaces of the messaging core and the
// shared data shapes. Implementations: pg (managed, Postgres), sqlite
// (standalone, single tenant), memory (tests).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
)

// ErrDuplicateKey is returned by ConversationStore.Create when the uniqueness
// constraint on the conversation key fires. The resolver treats it as
// "someone else just created it" and re-fetches.
var ErrDuplicateKey = errors.New("duplicate conversation key")

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// MessageListOpts pages a conversation's history, newest rows last.
type MessageListOpts struct {
	Limit  int       // 0 = store default
	Before time.Time // zero = from the latest
}

// ConversationStore persists conversations. Create must surface the key
// uniqueness constraint as ErrDuplicateKey; lookups return
// messaging.ErrNotFound when no row matches.
type ConversationStore interface {
	Create(ctx context.Context, c *messaging.Conversation) error
	GetByKey(ctx context.Context, key string) (*messaging.Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*messaging.Conversation, error)

	// ListByCompany returns all conversations owned by a carrier, most
	// recently active first. The inbox layer applies per-actor policy
	// filtering on top.
	ListByCompany(ctx context.Context, companyID uuid.UUID) ([]messaging.Conversation, error)

	// ListByPartner returns conversations shared with a partner company
	// (load_shared and company threads referencing it).
	ListByPartner(ctx context.Context, partnerCompanyID uuid.UUID) ([]messaging.Conversation, error)

	// UpdatePreview stamps the denormalized last-message fields and bumps the
	// message count. Last-writer-wins under concurrent sends.
	UpdatePreview(ctx context.Context, id uuid.UUID, text string, at time.Time) error

	// Recount recomputes message_count and the preview fields from the
	// messages table for every conversation. Used by the maintenance sweeper.
	Recount(ctx context.Context) (int, error)
}

// MessageStore persists messages. Inserts are append-only; the core never
// deletes rows.
type MessageStore interface {
	Insert(ctx context.Context, m *messaging.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*messaging.Message, error)
	ListByConversation(ctx context.Context, convID uuid.UUID, opts MessageListOpts) ([]messaging.Message, error)
}

// LoadStore reads the load fields the policy engine needs and writes the
// per-load driver visibility setting.
type LoadStore interface {
	GetLoad(ctx context.Context, id uuid.UUID) (*messaging.Load, error)
	ListByDriver(ctx context.Context, driverID uuid.UUID) ([]messaging.Load, error)
	SetDriverVisibility(ctx context.Context, loadID uuid.UUID, v messaging.Visibility) error
}

// TripStore reads trip ownership for trip-context resolution.
type TripStore interface {
	GetTrip(ctx context.Context, id uuid.UUID) (*messaging.Trip, error)
}

// PartnerStore reads the company-to-company relationship row.
// GetPartner returns messaging.ErrNotFound when no relationship exists in
// either direction.
type PartnerStore interface {
	GetPartner(ctx context.Context, companyID, partnerCompanyID uuid.UUID) (*messaging.Partner, error)
}

// DirectoryStore resolves sender ids to display names for enrichment.
// Best-effort: lookups may fail, and callers render "Unknown".
type DirectoryStore interface {
	UserName(ctx context.Context, id uuid.UUID) (string, error)
	DriverName(ctx context.Context, id uuid.UUID) (string, error)
	CompanyName(ctx context.Context, id uuid.UUID) (string, error)
}

// ReadMarkStore tracks per (conversation, actor scope) last-read watermarks
// for unread counts.
type ReadMarkStore interface {
	LastRead(ctx context.Context, convID uuid.UUID, scope string) (time.Time, error)
	SetLastRead(ctx context.Context, convID uuid.UUID, scope string, at time.Time) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	Loads         LoadStore
	Trips         TripStore
	Partners      PartnerStore
	Directory     DirectoryStore
	ReadMarks     ReadMarkStore
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	// PostgresDSN enables managed mode. Env-only secret (RELAY_POSTGRES_DSN).
	PostgresDSN string

	// SQLitePath is the standalone-mode database file.
	SQLitePath string
}
