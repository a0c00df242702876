package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/store"
)

// State of a thread synchronizer.
type State int32

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateUnsubscribing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateError:
		return "error"
	}
	return "unknown"
}

// eventQueueSize bounds buffered feed events per open thread. Overflow drops
// the event; the idempotent merge plus Refresh recover.
const eventQueueSize = 256

// ThreadSync keeps one open conversation view synchronized with the store.
// It owns its feed subscription (acquired in Start, released in Close),
// merges inbound events idempotently by message id, orders the local list by
// creation timestamp, and reconciles optimistic local sends against their
// realtime echo by client ref.
//
// Lifecycle: Idle → Subscribing → Subscribed → Unsubscribing → Idle, with
// Error reachable from Subscribing/Subscribed. In Error the view still works
// through Refresh (poll on demand).
type ThreadSync struct {
	conv     *messaging.Conversation
	feed     Feed
	enricher *Enricher
	messages store.MessageStore

	state atomic.Int32

	mu      sync.Mutex
	sub     *Subscription
	list    []messaging.Message
	known   map[uuid.UUID]struct{}
	pending map[string]messaging.Message // client ref → optimistic local message

	events chan MessageEvent
	cancel context.CancelFunc
	done   chan struct{}

	// OnChange, when set before Start, is invoked after every mutation of
	// the local list. Called from the synchronizer's own goroutine.
	OnChange func()
}

// NewThreadSync creates a synchronizer for one conversation view.
func NewThreadSync(conv *messaging.Conversation, feed Feed, enricher *Enricher, messages store.MessageStore) *ThreadSync {
	return &ThreadSync{
		conv:     conv,
		feed:     feed,
		enricher: enricher,
		messages: messages,
		known:    make(map[uuid.UUID]struct{}),
		pending:  make(map[string]messaging.Message),
	}
}

// State returns the current lifecycle state.
func (t *ThreadSync) State() State { return State(t.state.Load()) }

// Start loads the initial history and attaches the feed subscription.
// On subscription failure the synchronizer enters Error and returns a
// transient error; the view falls back to Refresh polling.
func (t *ThreadSync) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateSubscribing)) {
		return messaging.Transient("threadsync.start", errAlreadyStarted)
	}

	if err := t.Refresh(ctx); err != nil {
		t.state.Store(int32(StateError))
		return err
	}

	t.events = make(chan MessageEvent, eventQueueSize)

	sub, err := t.feed.SubscribeConversation(t.conv.ID, t.enqueue)
	if err != nil {
		t.state.Store(int32(StateError))
		return messaging.Transient("threadsync.subscribe", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.sub = sub
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(runCtx)
	t.state.Store(int32(StateSubscribed))
	return nil
}

// Close releases the subscription and stops delivery. Must complete before a
// new synchronizer is started for another conversation in the same view.
// Safe to call repeatedly.
func (t *ThreadSync) Close() {
	prev := t.State()
	if prev == StateIdle || prev == StateUnsubscribing {
		return
	}
	t.state.Store(int32(StateUnsubscribing))

	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	sub.Close()
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.state.Store(int32(StateIdle))
}

// enqueue is the feed handler: hand off to the owned goroutine, never block
// the feed's delivery path.
func (t *ThreadSync) enqueue(ev MessageEvent) {
	select {
	case t.events <- ev:
	default:
		slog.Warn("thread event queue full, dropping", "conversation", t.conv.ID, "message", ev.MessageID)
	}
}

func (t *ThreadSync) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.handle(ctx, ev)
		}
	}
}

func (t *ThreadSync) handle(ctx context.Context, ev MessageEvent) {
	// Defensive cross-talk check: a stale or misrouted subscription must not
	// leak another conversation's rows into this view.
	if ev.ConversationID != t.conv.ID {
		slog.Warn("discarding cross-conversation event",
			"expected", t.conv.ID, "got", ev.ConversationID, "message", ev.MessageID)
		return
	}

	if t.seen(ev.MessageID) {
		return
	}

	msg := t.enricher.Enrich(ctx, ev)
	if t.Merge(msg) {
		t.notify()
	}
}

func (t *ThreadSync) seen(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.known[id]
	return ok
}

// Merge inserts msg into the local list: idempotent by id, replacing a
// pending optimistic message with a matching client ref, ordered by creation
// timestamp rather than arrival order. Reports whether the list changed.
func (t *ThreadSync) Merge(msg messaging.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeLocked(msg)
}

func (t *ThreadSync) mergeLocked(msg messaging.Message) bool {
	if _, ok := t.known[msg.ID]; ok {
		return false
	}

	// Canonical echo of an optimistic send: replace, never append a second
	// copy of the same message.
	if msg.ClientRef != "" {
		if local, ok := t.pending[msg.ClientRef]; ok {
			delete(t.pending, msg.ClientRef)
			for i := range t.list {
				if t.list[i].ID == local.ID {
					t.list = append(t.list[:i], t.list[i+1:]...)
					break
				}
			}
			delete(t.known, local.ID)
		}
	}

	t.known[msg.ID] = struct{}{}
	idx := sort.Search(len(t.list), func(i int) bool {
		if t.list[i].CreatedAt.Equal(msg.CreatedAt) {
			return t.list[i].ID.String() > msg.ID.String()
		}
		return t.list[i].CreatedAt.After(msg.CreatedAt)
	})
	t.list = append(t.list, messaging.Message{})
	copy(t.list[idx+1:], t.list[idx:])
	t.list[idx] = msg
	return true
}

// AddPending inserts an optimistic local message before server confirmation.
// The message must carry a client ref; the canonical row (from the send
// response or the realtime echo, whichever lands first) replaces it.
func (t *ThreadSync) AddPending(msg messaging.Message) {
	if msg.ClientRef == "" || msg.ID == uuid.Nil {
		return
	}
	t.mu.Lock()
	t.pending[msg.ClientRef] = msg
	changed := t.mergeLocked(msg)
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

// ConfirmSend reconciles the canonical row returned by the send call. The
// realtime echo of the same row is then deduplicated by id.
func (t *ThreadSync) ConfirmSend(msg messaging.Message) {
	if t.Merge(msg) {
		t.notify()
	}
}

// PendingCount reports optimistic messages not yet confirmed.
func (t *ThreadSync) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Refresh re-fetches the conversation history and rebuilds the local list,
// preserving unconfirmed optimistic messages. This is the poll-on-demand
// fallback when live updates are unavailable.
func (t *ThreadSync) Refresh(ctx context.Context) error {
	history, err := t.messages.ListByConversation(ctx, t.conv.ID, store.MessageListOpts{})
	if err != nil {
		return messaging.Transient("threadsync.refresh", err)
	}

	t.mu.Lock()
	t.list = t.list[:0]
	t.known = make(map[uuid.UUID]struct{}, len(history)+len(t.pending))
	for _, m := range history {
		if m.SenderDisplay == "" && t.enricher != nil {
			m.SenderDisplay = t.enricher.DisplayName(ctx, m.Sender)
		}
		t.mergeLocked(m)
	}
	for _, m := range t.pending {
		t.mergeLocked(m)
	}
	t.mu.Unlock()
	t.notify()
	return nil
}

// Snapshot returns a copy of the current, timestamp-ordered message list.
func (t *ThreadSync) Snapshot() []messaging.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]messaging.Message, len(t.list))
	copy(out, t.list)
	return out
}

func (t *ThreadSync) notify() {
	if t.OnChange != nil {
		t.OnChange()
	}
}

var errAlreadyStarted = errStr("synchronizer already started")

type errStr string

func (e errStr) Error() string { return string(e) }
