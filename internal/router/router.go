// Package router decides the actual delivery target for every outbound
// message and performs the accepted send. A message never lands in a
// conversation its sender cannot write to: read-only senders are redirected
// to the strictly more restrictive internal thread, no-access senders are
// rejected outright.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/realtime"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/store"
	"github.com/fleetgrid/relay/internal/visibility"
)

// DefaultMaxBodyChars bounds message bodies when no limit is configured.
const DefaultMaxBodyChars = 8000

// BalanceStopTypes are the accepted stop_type values of a balance_request.
var BalanceStopTypes = map[string]bool{
	"pickup":   true,
	"delivery": true,
}

// Router routes and sends messages.
type Router struct {
	resolver      *resolver.Resolver
	conversations store.ConversationStore
	messages      store.MessageStore
	loads         store.LoadStore
	feed          realtime.Publisher

	limitMu      sync.RWMutex
	maxBodyChars int
}

// New creates a router. feed may be nil in offline tooling; sends then skip
// the publish step.
func New(res *resolver.Resolver, st *store.Stores, feed realtime.Publisher, maxBodyChars int) *Router {
	if maxBodyChars <= 0 {
		maxBodyChars = DefaultMaxBodyChars
	}
	return &Router{
		resolver:      res,
		conversations: st.Conversations,
		messages:      st.Messages,
		loads:         st.Loads,
		feed:          feed,
		maxBodyChars:  maxBodyChars,
	}
}

// SetMaxBodyChars applies a reloaded body limit to subsequent sends.
// Non-positive values fall back to the default.
func (r *Router) SetMaxBodyChars(n int) {
	if n <= 0 {
		n = DefaultMaxBodyChars
	}
	r.limitMu.Lock()
	r.maxBodyChars = n
	r.limitMu.Unlock()
}

func (r *Router) maxBody() int {
	r.limitMu.RLock()
	defer r.limitMu.RUnlock()
	return r.maxBodyChars
}

// Conversation fetches a conversation row by id.
func (r *Router) Conversation(ctx context.Context, id uuid.UUID) (*messaging.Conversation, error) {
	return r.conversations.GetByID(ctx, id)
}

// VisibilityFor computes the actor's effective visibility on any
// conversation, consulting the load row and partner lock for load threads.
func (r *Router) VisibilityFor(ctx context.Context, conv *messaging.Conversation, actor messaging.Actor) (messaging.Visibility, error) {
	switch conv.Type {
	case messaging.ConvLoadInternal, messaging.ConvLoadShared:
		if conv.LoadID == nil {
			return messaging.VisibilityNone, fmt.Errorf("%w: load conversation %s has no load reference", messaging.ErrValidation, conv.ID)
		}
		load, err := r.loads.GetLoad(ctx, *conv.LoadID)
		if err != nil {
			return messaging.VisibilityNone, err
		}
		partner, err := r.resolver.LoadPartner(ctx, load)
		if err != nil {
			return messaging.VisibilityNone, err
		}
		return visibility.Effective(load, partner, actor, conv.Type), nil
	default:
		return visibility.OnConversation(conv, actor), nil
	}
}

// Result describes a routing decision.
type Result struct {
	Destination *messaging.Conversation `json:"destination"`
	Redirected  bool                    `json:"redirected"`
	Reason      string                  `json:"reason,omitempty"`
}

// Route decides the actual destination for a write by actor into target.
//
// full      → destination = target.
// read_only → destination = the load's internal conversation, created if
//             absent; the caller stamps redirect metadata on the message.
// none      → ErrNotAuthorized. No silent redirect: the sender should never
//             have had the target in its list.
func (r *Router) Route(ctx context.Context, actor messaging.Actor, target *messaging.Conversation) (Result, error) {
	vis, err := r.VisibilityFor(ctx, target, actor)
	if err != nil {
		return Result{}, err
	}

	switch vis {
	case messaging.VisibilityFull:
		return Result{Destination: target}, nil

	case messaging.VisibilityReadOnly:
		if target.LoadID == nil {
			return Result{}, messaging.ErrNotAuthorized
		}
		internal, err := r.resolver.ResolveInternalForLoad(ctx, *target.LoadID)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Destination: internal,
			Redirected:  true,
			Reason:      messaging.RedirectReasonDriverReadOnly,
		}, nil
	}

	return Result{}, messaging.ErrNotAuthorized
}

// SendInput is the caller-provided portion of a message.
type SendInput struct {
	Body        string                `json:"body"`
	Type        messaging.MessageType `json:"type,omitempty"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	Attachments []string              `json:"attachments,omitempty"`
	ClientRef   string                `json:"client_ref,omitempty"`
}

// Send validates, routes, and persists a message from actor addressed to
// target, returning the stored row. On redirect the row carries routing
// metadata pointing back at the originally addressed conversation.
func (r *Router) Send(ctx context.Context, actor messaging.Actor, target *messaging.Conversation, in SendInput) (*messaging.Message, error) {
	ctx, span := otel.Tracer("relay/router").Start(ctx, "router.Send")
	span.SetAttributes(attribute.String("messaging.conversation_type", string(target.Type)))
	defer span.End()

	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := r.validate(in); err != nil {
		return nil, err
	}

	routed, err := r.Route(ctx, actor, target)
	if err != nil {
		return nil, err
	}

	msgType := in.Type
	if msgType == "" {
		msgType = messaging.MsgText
	}

	msg := &messaging.Message{
		ID:             store.GenNewID(),
		ConversationID: routed.Destination.ID,
		Sender:         actor.Sender,
		Body:           in.Body,
		Type:           msgType,
		Metadata:       cloneMetadata(in.Metadata),
		Attachments:    in.Attachments,
		ClientRef:      in.ClientRef,
		CreatedAt:      time.Now().UTC(),
	}
	if routed.Redirected {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any, 2)
		}
		msg.Metadata[messaging.MetaRoutedFrom] = target.ID.String()
		msg.Metadata[messaging.MetaRedirectReason] = routed.Reason
	}

	if err := r.messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	// Preview update is denormalized state; a failure here leaves the row
	// durable and the sweeper reconciles later.
	if err := r.conversations.UpdatePreview(ctx, routed.Destination.ID, messaging.Preview(msg.Body, msg.Type), msg.CreatedAt); err != nil {
		slog.Warn("router.preview_update", "conversation", routed.Destination.ID, "error", err)
	}

	if r.feed != nil {
		r.feed.PublishMessage(realtime.EventFromMessage(msg))
	}

	if routed.Redirected {
		slog.Info("message redirected",
			"from", target.ID,
			"to", routed.Destination.ID,
			"reason", routed.Reason,
			"sender", msg.Sender.String(),
		)
	}

	return msg, nil
}

func (r *Router) validate(in SendInput) error {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return fmt.Errorf("%w: empty body", messaging.ErrValidation)
	}
	if max := r.maxBody(); len(in.Body) > max {
		return fmt.Errorf("%w: body exceeds %d chars", messaging.ErrValidation, max)
	}

	switch in.Type {
	case "", messaging.MsgText, messaging.MsgSystem, messaging.MsgAIResponse:
		return nil
	case messaging.MsgBalanceRequest:
		return validateBalanceMetadata(in.Metadata)
	}
	return fmt.Errorf("%w: unknown message type %q", messaging.ErrValidation, in.Type)
}

func validateBalanceMetadata(meta map[string]any) error {
	amount, ok := numericValue(meta[messaging.MetaBalanceAmount])
	if !ok || amount <= 0 {
		return fmt.Errorf("%w: balance_request requires a positive %s", messaging.ErrValidation, messaging.MetaBalanceAmount)
	}
	stopType, _ := meta[messaging.MetaBalanceStopType].(string)
	if !BalanceStopTypes[stopType] {
		return fmt.Errorf("%w: balance_request %s must be pickup or delivery", messaging.ErrValidation, messaging.MetaBalanceStopType)
	}
	if status, ok := meta[messaging.MetaBalanceStatus].(string); ok && status != "pending" && status != "verified" && status != "disputed" {
		return fmt.Errorf("%w: invalid %s %q", messaging.ErrValidation, messaging.MetaBalanceStatus, status)
	}
	return nil
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
