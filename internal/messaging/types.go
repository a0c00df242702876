// Package messaging defines the core domain types of the unified messaging
// layer: conversations scoped to a business context (load, trip, partner
// relationship, driver dispatch), the messages inside them, and the visibility
// values the policy engine computes for an actor.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// ConversationType scopes a conversation to exactly one business context.
type ConversationType string

const (
	ConvLoadInternal   ConversationType = "load_internal"
	ConvLoadShared     ConversationType = "load_shared"
	ConvTripInternal   ConversationType = "trip_internal"
	ConvCompany        ConversationType = "company_to_company"
	ConvDriverDispatch ConversationType = "driver_dispatch"
	ConvGeneral        ConversationType = "general"
)

// IsInternal reports whether a conversation type is carrier-internal only.
// Internal conversations never contain partner-visible content and are the
// redirect target for read-only senders.
func (t ConversationType) IsInternal() bool {
	switch t {
	case ConvLoadInternal, ConvTripInternal, ConvDriverDispatch, ConvGeneral:
		return true
	}
	return false
}

// Conversation is a named channel for one business context. For a given
// (type, scoping ids) tuple at most one conversation exists; the resolver
// relies on a uniqueness constraint on Key to enforce that.
type Conversation struct {
	ID    uuid.UUID        `json:"id"`
	Key   string           `json:"key"`
	Type  ConversationType `json:"type"`
	Title string           `json:"title,omitempty"`

	// Owning carrier. Every conversation belongs to exactly one carrier
	// company, including shared and company-to-company threads.
	CompanyID uuid.UUID `json:"company_id"`

	// Scoping references. At most one of Load/Trip/Driver is set depending
	// on Type; PartnerCompanyID is set for load_shared and company threads.
	LoadID           *uuid.UUID `json:"load_id,omitempty"`
	TripID           *uuid.UUID `json:"trip_id,omitempty"`
	DriverID         *uuid.UUID `json:"driver_id,omitempty"`
	PartnerCompanyID *uuid.UUID `json:"partner_company_id,omitempty"`

	// Denormalized list-rendering fields, updated on every accepted send.
	// Concurrent sends race on these last-writer-wins; the maintenance
	// sweeper reconciles drift.
	LastMessageText string     `json:"last_message_text,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	MessageCount    int        `json:"message_count"`

	CreatedAt time.Time `json:"created_at"`
}

// MessageType governs rendering and, for balance_request, a metadata
// sub-schema (amount, stop type, instructions, status).
type MessageType string

const (
	MsgText           MessageType = "text"
	MsgSystem         MessageType = "system"
	MsgAIResponse     MessageType = "ai_response"
	MsgBalanceRequest MessageType = "balance_request"
)

// Metadata keys stamped by the router and the agent gateway.
const (
	MetaRoutedFrom     = "routed_from_conversation_id"
	MetaRedirectReason = "redirect_reason"
	MetaAgentGenerated = "agent_generated"

	MetaBalanceAmount       = "balance_amount"
	MetaBalanceStopType     = "stop_type"
	MetaBalanceStatus       = "balance_status"
	MetaBalanceInstructions = "collection_instructions"
)

// RedirectReasonDriverReadOnly marks messages a read-only driver addressed to
// the shared thread; the router lands them in the internal thread instead.
const RedirectReasonDriverReadOnly = "driver_read_only"

// Message belongs to exactly one conversation. Rows are append-only; edits and
// deletes are soft markers mutated outside this core.
type Message struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Sender         Sender         `json:"sender"`
	Body           string         `json:"body"`
	Type           MessageType    `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Attachments    []string       `json:"attachments,omitempty"`

	// ClientRef is a client-generated correlation id used to reconcile an
	// optimistic local insert with its realtime echo.
	ClientRef string `json:"client_ref,omitempty"`

	// SenderDisplay is enrichment-only (directory lookup); "Unknown" when the
	// lookup fails or the sender is gone. Never persisted.
	SenderDisplay string `json:"sender_display,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Redirected reports whether the router substituted the delivery target for
// this message, and the conversation it was originally addressed to.
func (m *Message) Redirected() (from uuid.UUID, ok bool) {
	if m.Metadata == nil {
		return uuid.Nil, false
	}
	raw, ok := m.Metadata[MetaRoutedFrom].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// AgentGenerated reports whether the message carries the non-spoofable agent
// marker stamped by the tool gateway.
func (m *Message) AgentGenerated() bool {
	if m.Metadata == nil {
		return false
	}
	v, _ := m.Metadata[MetaAgentGenerated].(bool)
	return v
}

// PreviewRunes bounds the conversation list preview text.
const PreviewRunes = 140

// BalancePreviewText replaces the body in previews of balance requests.
const BalancePreviewText = "Balance verification requested"

// Preview derives the denormalized conversation preview for a message. Every
// writer of last_message_text (send path and recount sweep) uses this one
// format. Truncation is rune-based so a multi-byte body never yields a torn
// UTF-8 sequence.
func Preview(body string, t MessageType) string {
	if t == MsgBalanceRequest {
		return BalancePreviewText
	}
	runes := []rune(body)
	if len(runes) > PreviewRunes {
		return string(runes[:PreviewRunes]) + "..."
	}
	return body
}

// Visibility is the effective access level of an actor on a conversation.
type Visibility string

const (
	VisibilityNone     Visibility = "none"
	VisibilityReadOnly Visibility = "read_only"
	VisibilityFull     Visibility = "full"
)

// Valid reports whether v is one of the three defined levels.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityNone, VisibilityReadOnly, VisibilityFull:
		return true
	}
	return false
}

// Load carries the subset of the load record the messaging core reads:
// ownership, partner linkage, driver assignment, and the per-load driver
// visibility setting. The full load business model lives outside this core.
type Load struct {
	ID               uuid.UUID  `json:"id"`
	CarrierID        uuid.UUID  `json:"carrier_id"`
	PartnerCompanyID *uuid.UUID `json:"partner_company_id,omitempty"`
	AssignedDriverID *uuid.UUID `json:"assigned_driver_id,omitempty"`

	// DriverVisibility is the carrier's configured setting for this load.
	// nil means never configured; the policy engine treats that as none.
	DriverVisibility *Visibility `json:"driver_visibility,omitempty"`
}

// Trip carries the subset of the trip record the core reads.
type Trip struct {
	ID        uuid.UUID `json:"id"`
	CarrierID uuid.UUID `json:"carrier_id"`
}

// Partner is the company-to-company relationship row. A lock forces the
// effective driver visibility on all loads with this partner to the mandated
// value regardless of per-load configuration.
type Partner struct {
	CompanyID        uuid.UUID `json:"company_id"`
	PartnerCompanyID uuid.UUID `json:"partner_company_id"`

	LockDriverVisibility bool       `json:"lock_driver_visibility"`
	MandatedVisibility   Visibility `json:"mandated_visibility,omitempty"`

	// PlatformMember is false when the partner has no account on the
	// platform at all; messaging with them is terminally unavailable.
	PlatformMember bool `json:"platform_member"`
}
