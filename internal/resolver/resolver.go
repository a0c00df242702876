// Package resolver maps an application context (load, trip, partner company,
// driver dispatch) plus the calling actor to exactly one conversation,
// creating it on first access. Resolution is idempotent: the conversation key
// is deterministic and the store's uniqueness constraint makes concurrent
// creates collapse to a single row.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
	"github.com/fleetgrid/relay/internal/visibility"
)

// Context tags the business entity a conversation is scoped to.
type Context string

const (
	ContextLoad           Context = "load"
	ContextTrip           Context = "trip"
	ContextCompany        Context = "company"
	ContextDriverDispatch Context = "driver_dispatch"
)

// Ref identifies one concrete context instance. Exactly one of the id fields
// is set depending on Context; Internal selects between load_internal and
// load_shared for the load context.
type Ref struct {
	Context Context `json:"context"`

	LoadID           uuid.UUID `json:"load_id,omitempty"`
	TripID           uuid.UUID `json:"trip_id,omitempty"`
	PartnerCompanyID uuid.UUID `json:"partner_company_id,omitempty"`
	DriverID         uuid.UUID `json:"driver_id,omitempty"`

	Internal bool `json:"internal,omitempty"`
}

// Resolver performs authorized get-or-create conversation resolution.
type Resolver struct {
	conversations store.ConversationStore
	loads         store.LoadStore
	trips         store.TripStore
	partners      store.PartnerStore

	// group coalesces concurrent get-or-creates for the same key within this
	// process. A latch, not the correctness mechanism: the store's uniqueness
	// constraint is what prevents duplicates across processes.
	group singleflight.Group
}

// New creates a resolver over the given stores.
func New(st *store.Stores) *Resolver {
	return &Resolver{
		conversations: st.Conversations,
		loads:         st.Loads,
		trips:         st.Trips,
		partners:      st.Partners,
	}
}

// Resolve returns the conversation for ref, creating it if absent.
//
// Errors: messaging.ErrNotFound when the referenced load/trip does not exist,
// messaging.ErrNotAuthorized when the actor has no relationship to the
// context or its visibility is none, messaging.ErrMessagingUnavailable when
// the partner company is not a platform member (terminal, render a notice).
// Resolve never creates a message.
func (r *Resolver) Resolve(ctx context.Context, ref Ref, actor messaging.Actor) (*messaging.Conversation, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("relay/resolver").Start(ctx, "resolver.Resolve")
	span.SetAttributes(attribute.String("messaging.context", string(ref.Context)))
	defer span.End()

	switch ref.Context {
	case ContextLoad:
		return r.resolveLoad(ctx, ref, actor)
	case ContextTrip:
		return r.resolveTrip(ctx, ref, actor)
	case ContextCompany:
		return r.resolveCompany(ctx, ref, actor)
	case ContextDriverDispatch:
		return r.resolveDriverDispatch(ctx, ref, actor)
	}
	return nil, fmt.Errorf("%w: unknown context %q", messaging.ErrValidation, ref.Context)
}

// ResolveInternalForLoad returns the load_internal conversation for a load,
// bypassing the caller's own visibility: it is the redirect target the router
// uses for read-only senders and must resolve even when the sender could not
// open it directly.
func (r *Resolver) ResolveInternalForLoad(ctx context.Context, loadID uuid.UUID) (*messaging.Conversation, error) {
	load, err := r.loads.GetLoad(ctx, loadID)
	if err != nil {
		return nil, err
	}
	return r.getOrCreate(ctx, messaging.BuildLoadKey(load.ID, true), func() *messaging.Conversation {
		return loadConversation(load, true)
	})
}

func (r *Resolver) resolveLoad(ctx context.Context, ref Ref, actor messaging.Actor) (*messaging.Conversation, error) {
	if ref.LoadID == uuid.Nil {
		return nil, fmt.Errorf("%w: load id is required", messaging.ErrValidation)
	}
	load, err := r.loads.GetLoad(ctx, ref.LoadID)
	if err != nil {
		return nil, err
	}

	partner, err := r.loadPartner(ctx, load)
	if err != nil {
		return nil, err
	}

	convType := messaging.ConvLoadShared
	if ref.Internal {
		convType = messaging.ConvLoadInternal
	}
	if vis := visibility.Effective(load, partner, actor, convType); vis == messaging.VisibilityNone {
		return nil, messaging.ErrNotAuthorized
	}

	return r.getOrCreate(ctx, messaging.BuildLoadKey(load.ID, ref.Internal), func() *messaging.Conversation {
		return loadConversation(load, ref.Internal)
	})
}

func (r *Resolver) resolveTrip(ctx context.Context, ref Ref, actor messaging.Actor) (*messaging.Conversation, error) {
	if ref.TripID == uuid.Nil {
		return nil, fmt.Errorf("%w: trip id is required", messaging.ErrValidation)
	}
	trip, err := r.trips.GetTrip(ctx, ref.TripID)
	if err != nil {
		return nil, err
	}

	// Trip threads are carrier-internal: staff seats only.
	if actor.Sender.Kind == messaging.SenderDriver || actor.CompanyID != trip.CarrierID {
		return nil, messaging.ErrNotAuthorized
	}

	return r.getOrCreate(ctx, messaging.BuildTripKey(trip.ID), func() *messaging.Conversation {
		tripID := trip.ID
		return &messaging.Conversation{
			Key:       messaging.BuildTripKey(trip.ID),
			Type:      messaging.ConvTripInternal,
			Title:     "Trip " + shortID(trip.ID),
			CompanyID: trip.CarrierID,
			TripID:    &tripID,
		}
	})
}

func (r *Resolver) resolveCompany(ctx context.Context, ref Ref, actor messaging.Actor) (*messaging.Conversation, error) {
	if ref.PartnerCompanyID == uuid.Nil {
		return nil, fmt.Errorf("%w: partner company id is required", messaging.ErrValidation)
	}
	if actor.Sender.Kind == messaging.SenderDriver {
		return nil, messaging.ErrNotAuthorized
	}

	partner, err := r.partners.GetPartner(ctx, actor.CompanyID, ref.PartnerCompanyID)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			return nil, messaging.ErrNotAuthorized
		}
		return nil, err
	}
	if !partner.PlatformMember {
		// Terminal state, not a retryable error: the partner has no account.
		return nil, messaging.ErrMessagingUnavailable
	}

	return r.getOrCreate(ctx, messaging.BuildCompanyKey(actor.CompanyID, ref.PartnerCompanyID), func() *messaging.Conversation {
		partnerID := ref.PartnerCompanyID
		return &messaging.Conversation{
			Key:              messaging.BuildCompanyKey(actor.CompanyID, ref.PartnerCompanyID),
			Type:             messaging.ConvCompany,
			CompanyID:        actor.CompanyID,
			PartnerCompanyID: &partnerID,
		}
	})
}

func (r *Resolver) resolveDriverDispatch(ctx context.Context, ref Ref, actor messaging.Actor) (*messaging.Conversation, error) {
	if ref.DriverID == uuid.Nil {
		return nil, fmt.Errorf("%w: driver id is required", messaging.ErrValidation)
	}

	// A driver may only open its own dispatch channel; staff seats open any
	// of their company's drivers.
	if actor.Sender.Kind == messaging.SenderDriver && actor.Sender.ID != ref.DriverID {
		return nil, messaging.ErrNotAuthorized
	}

	return r.getOrCreate(ctx, messaging.BuildDriverDispatchKey(ref.DriverID), func() *messaging.Conversation {
		driverID := ref.DriverID
		return &messaging.Conversation{
			Key:       messaging.BuildDriverDispatchKey(ref.DriverID),
			Type:      messaging.ConvDriverDispatch,
			Title:     "Dispatch",
			CompanyID: actor.CompanyID,
			DriverID:  &driverID,
		}
	})
}

// LoadPartner fetches the partner relationship row for a load, nil when the
// load has no partner or no relationship row exists.
func (r *Resolver) LoadPartner(ctx context.Context, load *messaging.Load) (*messaging.Partner, error) {
	return r.loadPartner(ctx, load)
}

func (r *Resolver) loadPartner(ctx context.Context, load *messaging.Load) (*messaging.Partner, error) {
	if load.PartnerCompanyID == nil {
		return nil, nil
	}
	partner, err := r.partners.GetPartner(ctx, load.CarrierID, *load.PartnerCompanyID)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return partner, nil
}

// getOrCreate fetches by key, creating via build() on first access. A
// duplicate-key failure means another caller won the race; re-fetch.
func (r *Resolver) getOrCreate(ctx context.Context, key string, build func() *messaging.Conversation) (*messaging.Conversation, error) {
	v, err, _ := r.group.Do(key, func() (any, error) {
		conv, err := r.conversations.GetByKey(ctx, key)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, messaging.ErrNotFound) {
			return nil, err
		}

		created := build()
		created.ID = store.GenNewID()
		if err := r.conversations.Create(ctx, created); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return r.conversations.GetByKey(ctx, key)
			}
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*messaging.Conversation), nil
}

func loadConversation(load *messaging.Load, internal bool) *messaging.Conversation {
	convType := messaging.ConvLoadShared
	title := "Load " + shortID(load.ID)
	if internal {
		convType = messaging.ConvLoadInternal
		title += " (internal)"
	}
	loadID := load.ID
	c := &messaging.Conversation{
		Key:       messaging.BuildLoadKey(load.ID, internal),
		Type:      convType,
		Title:     title,
		CompanyID: load.CarrierID,
		LoadID:    &loadID,
	}
	if !internal && load.PartnerCompanyID != nil {
		partnerID := *load.PartnerCompanyID
		c.PartnerCompanyID = &partnerID
	}
	return c
}

func shortID(id uuid.UUID) string {
	s := id.String()
	return "#" + s[:8]
}
