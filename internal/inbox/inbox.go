// Package inbox assembles the policy-filtered conversation list for an
// actor. A conversation the actor cannot see is simply absent from the list —
// never rendered as a denied placeholder — so its existence does not leak.
package inbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/router"
	"github.com/fleetgrid/relay/internal/store"
)

// Entry is one row of the conversation list.
type Entry struct {
	Conversation messaging.Conversation `json:"conversation"`

	// ReadOnly marks conversations the actor may view but not write to; the
	// composer is disabled and sends are redirected by the router.
	ReadOnly bool `json:"read_only"`

	// HasUnread compares the denormalized last-message timestamp against the
	// actor's read mark. Live counts come from the realtime list sync.
	HasUnread bool `json:"has_unread"`
}

// Inbox lists conversations and answers visibility questions for the
// realtime layer.
type Inbox struct {
	router        *router.Router
	conversations store.ConversationStore
	loads         store.LoadStore
	readMarks     store.ReadMarkStore
}

// New creates an inbox over the router's policy surface and the stores.
func New(r *router.Router, st *store.Stores) *Inbox {
	return &Inbox{
		router:        r,
		conversations: st.Conversations,
		loads:         st.Loads,
		readMarks:     st.ReadMarks,
	}
}

// CanSee reports whether the actor has at least read visibility into the
// conversation. Implements realtime.Authorizer.
func (i *Inbox) CanSee(ctx context.Context, convID uuid.UUID, actor messaging.Actor) (bool, error) {
	conv, err := i.conversations.GetByID(ctx, convID)
	if err != nil {
		if errors.Is(err, messaging.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	vis, err := i.router.VisibilityFor(ctx, conv, actor)
	if err != nil {
		return false, err
	}
	return vis != messaging.VisibilityNone, nil
}

// List returns the actor's conversation list, most recent activity first.
func (i *Inbox) List(ctx context.Context, actor messaging.Actor) ([]Entry, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	var candidates []messaging.Conversation
	switch actor.Sender.Kind {
	case messaging.SenderDriver:
		convs, err := i.driverCandidates(ctx, actor)
		if err != nil {
			return nil, err
		}
		candidates = convs
	default:
		own, err := i.conversations.ListByCompany(ctx, actor.CompanyID)
		if err != nil {
			return nil, err
		}
		shared, err := i.conversations.ListByPartner(ctx, actor.CompanyID)
		if err != nil {
			return nil, err
		}
		candidates = append(own, shared...)
	}

	entries := make([]Entry, 0, len(candidates))
	seen := make(map[uuid.UUID]struct{}, len(candidates))
	for idx := range candidates {
		conv := candidates[idx]
		if _, dup := seen[conv.ID]; dup {
			continue
		}
		seen[conv.ID] = struct{}{}

		vis, err := i.router.VisibilityFor(ctx, &conv, actor)
		if err != nil {
			return nil, err
		}
		if vis == messaging.VisibilityNone {
			continue
		}

		entries = append(entries, Entry{
			Conversation: conv,
			ReadOnly:     vis == messaging.VisibilityReadOnly,
			HasUnread:    i.hasUnread(ctx, &conv, actor),
		})
	}

	sort.Slice(entries, func(a, b int) bool {
		return lastActivity(&entries[a].Conversation).After(lastActivity(&entries[b].Conversation))
	})
	return entries, nil
}

// MarkRead stamps the actor's read mark for a conversation at now.
func (i *Inbox) MarkRead(ctx context.Context, convID uuid.UUID, actor messaging.Actor) error {
	return i.readMarks.SetLastRead(ctx, convID, actor.Scope(), time.Now().UTC())
}

// driverCandidates gathers the conversations a driver could possibly see:
// its dispatch channel plus the shared threads of its assigned loads. The
// policy filter in List then applies the per-load visibility setting.
func (i *Inbox) driverCandidates(ctx context.Context, actor messaging.Actor) ([]messaging.Conversation, error) {
	var out []messaging.Conversation

	if dispatch, err := i.conversations.GetByKey(ctx, messaging.BuildDriverDispatchKey(actor.Sender.ID)); err == nil {
		out = append(out, *dispatch)
	} else if !errors.Is(err, messaging.ErrNotFound) {
		return nil, err
	}

	loads, err := i.loads.ListByDriver(ctx, actor.Sender.ID)
	if err != nil {
		return nil, err
	}
	for _, l := range loads {
		conv, err := i.conversations.GetByKey(ctx, messaging.BuildLoadKey(l.ID, false))
		if err != nil {
			if errors.Is(err, messaging.ErrNotFound) {
				continue // no shared thread opened yet; nothing to list
			}
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (i *Inbox) hasUnread(ctx context.Context, conv *messaging.Conversation, actor messaging.Actor) bool {
	if conv.LastMessageAt == nil {
		return false
	}
	lastRead, err := i.readMarks.LastRead(ctx, conv.ID, actor.Scope())
	if err != nil {
		return false
	}
	return conv.LastMessageAt.After(lastRead)
}

func lastActivity(c *messaging.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
