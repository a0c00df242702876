package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
)

// Authorizer answers whether an actor may see a conversation at all. The
// list synchronizer uses it to drop events for conversations the actor has
// no visibility into — those conversations must leave no trace, not render
// as "no access".
type Authorizer interface {
	CanSee(ctx context.Context, convID uuid.UUID, actor messaging.Actor) (bool, error)
}

// ListEntry is the denormalized list-row state the synchronizer maintains per
// conversation: preview text, last activity, unread count.
type ListEntry struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Preview        string    `json:"preview"`
	LastMessageAt  time.Time `json:"last_message_at"`
	Unread         int       `json:"unread"`
}

// ListSync watches inserts across all conversations the actor participates
// in and maintains preview/unread state for the conversation list surface.
// It skips the currently open conversation — the per-thread synchronizer
// already handles that one, and double counting unreads is a defect.
type ListSync struct {
	actor    messaging.Actor
	feed     Feed
	auth     Authorizer
	enricher *Enricher

	mu        sync.Mutex
	sub       *Subscription
	entries   map[uuid.UUID]*ListEntry
	active    uuid.UUID // currently open thread; uuid.Nil = none
	seen      map[uuid.UUID]struct{}
	seenOrder []uuid.UUID

	events chan MessageEvent
	cancel context.CancelFunc
	done   chan struct{}

	// OnChange, when set before Start, fires after each entry mutation, on
	// the synchronizer's event goroutine and in event order.
	OnChange func()
}

// listSeenCap bounds the dedupe set; the oldest ids are evicted first. A
// duplicate delivered more than a window of inserts later recounts, which
// the next fetch corrects.
const listSeenCap = 1024

// NewListSync creates a conversation-list synchronizer for an actor.
func NewListSync(actor messaging.Actor, feed Feed, auth Authorizer, enricher *Enricher) *ListSync {
	return &ListSync{
		actor:    actor,
		feed:     feed,
		auth:     auth,
		enricher: enricher,
		entries:  make(map[uuid.UUID]*ListEntry),
		seen:     make(map[uuid.UUID]struct{}),
	}
}

// Start attaches the actor-scoped subscription.
func (l *ListSync) Start(ctx context.Context) error {
	l.events = make(chan MessageEvent, eventQueueSize)

	sub, err := l.feed.SubscribeScope(l.actor.Scope(), func(ev MessageEvent) {
		select {
		case l.events <- ev:
		default:
			slog.Warn("list event queue full, dropping", "scope", l.actor.Scope())
		}
	})
	if err != nil {
		return messaging.Transient("listsync.subscribe", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Lock()
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.run(runCtx)
	return nil
}

// Close releases the subscription. Safe to call repeatedly.
func (l *ListSync) Close() {
	l.mu.Lock()
	sub := l.sub
	cancel := l.cancel
	done := l.done
	l.sub = nil
	l.cancel = nil
	l.mu.Unlock()

	sub.Close()
	if cancel != nil {
		cancel()
		<-done
	}
}

// SetActive marks the currently open thread; its events are skipped here.
// Opening a thread also clears its unread count.
func (l *ListSync) SetActive(convID uuid.UUID) {
	l.mu.Lock()
	l.active = convID
	if e, ok := l.entries[convID]; ok {
		e.Unread = 0
	}
	l.mu.Unlock()
	l.notify()
}

func (l *ListSync) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *ListSync) handle(ctx context.Context, ev MessageEvent) {
	l.mu.Lock()
	if ev.ConversationID == l.active {
		l.mu.Unlock()
		return
	}
	if _, dup := l.seen[ev.MessageID]; dup {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	// Policy gate: an event for a conversation the actor cannot see leaves
	// no trace in the list. Errors fail closed.
	ok, err := l.auth.CanSee(ctx, ev.ConversationID, l.actor)
	if err != nil {
		slog.Debug("list visibility check failed, dropping event",
			"conversation", ev.ConversationID, "error", err)
		return
	}
	if !ok {
		return
	}

	// Own sends bump the preview but never the unread count.
	ownSend := ev.Raw.Sender == l.actor.Sender

	l.mu.Lock()
	if _, dup := l.seen[ev.MessageID]; dup {
		l.mu.Unlock()
		return
	}
	l.markSeen(ev.MessageID)

	e, ok := l.entries[ev.ConversationID]
	if !ok {
		e = &ListEntry{ConversationID: ev.ConversationID}
		l.entries[ev.ConversationID] = e
	}
	if ev.Raw.CreatedAt.After(e.LastMessageAt) {
		e.LastMessageAt = ev.Raw.CreatedAt
		e.Preview = ev.Raw.Body
	}
	if !ownSend {
		e.Unread++
	}
	l.mu.Unlock()

	l.notify()
}

// markSeen records a delivered message id, evicting the oldest entry once
// the cap is reached. Caller holds l.mu.
func (l *ListSync) markSeen(id uuid.UUID) {
	l.seen[id] = struct{}{}
	l.seenOrder = append(l.seenOrder, id)
	if len(l.seenOrder) > listSeenCap {
		delete(l.seen, l.seenOrder[0])
		l.seenOrder = l.seenOrder[1:]
	}
}

// Entries returns a copy of the current list state.
func (l *ListSync) Entries() map[uuid.UUID]ListEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uuid.UUID]ListEntry, len(l.entries))
	for id, e := range l.entries {
		out[id] = *e
	}
	return out
}

// Unread returns the unread count for one conversation.
func (l *ListSync) Unread(convID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[convID]; ok {
		return e.Unread
	}
	return 0
}

func (l *ListSync) notify() {
	if l.OnChange != nil {
		l.OnChange()
	}
}
