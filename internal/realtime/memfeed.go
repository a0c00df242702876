package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MemFeed is the in-process change feed: the router publishes into it and
// local synchronizers plus the gateway's websocket fan-out subscribe.
// Delivery is synchronous per subscriber and best-effort; a subscriber added
// after a publish never sees the old event (clients recover by fetching).
type MemFeed struct {
	mu      sync.RWMutex
	nextID  uint64
	byConv  map[uuid.UUID]map[uint64]Handler
	byScope map[string]map[uint64]Handler
}

// NewMemFeed creates an empty in-process feed.
func NewMemFeed() *MemFeed {
	return &MemFeed{
		byConv:  make(map[uuid.UUID]map[uint64]Handler),
		byScope: make(map[string]map[uint64]Handler),
	}
}

// PublishMessage delivers the event to all conversation subscribers for its
// conversation id and to every scope subscriber.
func (f *MemFeed) PublishMessage(ev MessageEvent) {
	f.mu.RLock()
	convHandlers := make([]Handler, 0, len(f.byConv[ev.ConversationID]))
	for _, h := range f.byConv[ev.ConversationID] {
		convHandlers = append(convHandlers, h)
	}
	scopeHandlers := make([]Handler, 0)
	for _, subs := range f.byScope {
		for _, h := range subs {
			scopeHandlers = append(scopeHandlers, h)
		}
	}
	f.mu.RUnlock()

	for _, h := range convHandlers {
		h(ev)
	}
	for _, h := range scopeHandlers {
		h(ev)
	}
}

// SubscribeConversation attaches a handler for one conversation's inserts.
func (f *MemFeed) SubscribeConversation(convID uuid.UUID, h Handler) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	if f.byConv[convID] == nil {
		f.byConv[convID] = make(map[uint64]Handler)
	}
	f.byConv[convID][id] = h

	return NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.byConv[convID], id)
		if len(f.byConv[convID]) == 0 {
			delete(f.byConv, convID)
		}
	}), nil
}

// SubscribeScope attaches a handler receiving every insert event. The scope
// string only names the subscriber; filtering is the subscriber's job.
func (f *MemFeed) SubscribeScope(scope string, h Handler) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	if f.byScope[scope] == nil {
		f.byScope[scope] = make(map[uint64]Handler)
	}
	f.byScope[scope][id] = h

	return NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.byScope[scope], id)
		if len(f.byScope[scope]) == 0 {
			delete(f.byScope, scope)
		}
	}), nil
}

// SubscriberCount reports attached handlers for a conversation (diagnostics).
func (f *MemFeed) SubscriberCount(convID uuid.UUID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := len(f.byConv[convID])
	if n > 0 {
		slog.Debug("feed subscribers", "conversation", convID, "count", n)
	}
	return n
}
