package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
)

// allowAuth authorizes a fixed set of conversations.
type allowAuth struct {
	allowed map[uuid.UUID]bool
	err     error
}

func (a *allowAuth) CanSee(ctx context.Context, convID uuid.UUID, actor messaging.Actor) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.allowed[convID], nil
}

func newListFixture(t *testing.T, auth Authorizer) (messaging.Actor, *ListSync, *MemFeed) {
	t.Helper()
	actor := messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: uuid.New()}
	feed := NewMemFeed()
	ls := NewListSync(actor, feed, auth, nil)
	if err := ls.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(ls.Close)
	return actor, ls, feed
}

func eventFrom(convID uuid.UUID, sender messaging.Sender, body string, at time.Time) MessageEvent {
	msg := &messaging.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Sender:         sender,
		Body:           body,
		Type:           messaging.MsgText,
		CreatedAt:      at,
	}
	return EventFromMessage(msg)
}

func waitEntries(t *testing.T, ls *ListSync, convID uuid.UUID, wantUnread int) ListEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := ls.Entries()[convID]; ok && e.Unread == wantUnread {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry for %s never reached unread=%d (entries: %v)", convID, wantUnread, ls.Entries())
	return ListEntry{}
}

func TestListSync_TracksUnreadAndPreview(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{convID: true}}
	_, ls, feed := newListFixture(t, auth)

	other := messaging.UserSender(uuid.New())
	now := time.Now().UTC()
	feed.PublishMessage(eventFrom(convID, other, "first", now))
	feed.PublishMessage(eventFrom(convID, other, "second", now.Add(time.Second)))

	e := waitEntries(t, ls, convID, 2)
	if e.Preview != "second" {
		t.Errorf("preview = %q, want latest body", e.Preview)
	}
}

func TestListSync_OwnSendsDoNotCountUnread(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{convID: true}}
	actor, ls, feed := newListFixture(t, auth)

	feed.PublishMessage(eventFrom(convID, actor.Sender, "mine", time.Now().UTC()))

	e := waitEntries(t, ls, convID, 0)
	if e.Preview != "mine" {
		t.Errorf("own send should still bump the preview, got %q", e.Preview)
	}
}

func TestListSync_UnauthorizedLeavesNoTrace(t *testing.T) {
	hidden := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{}}
	_, ls, feed := newListFixture(t, auth)

	feed.PublishMessage(eventFrom(hidden, messaging.UserSender(uuid.New()), "secret", time.Now().UTC()))

	time.Sleep(100 * time.Millisecond)
	if _, ok := ls.Entries()[hidden]; ok {
		t.Error("unauthorized conversation must be absent, not rendered as denied")
	}
}

func TestListSync_AuthorizerErrorFailsClosed(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{err: context.DeadlineExceeded}
	_, ls, feed := newListFixture(t, auth)

	feed.PublishMessage(eventFrom(convID, messaging.UserSender(uuid.New()), "x", time.Now().UTC()))

	time.Sleep(100 * time.Millisecond)
	if len(ls.Entries()) != 0 {
		t.Error("authorizer failure must drop the event")
	}
}

func TestListSync_SkipsActiveConversation(t *testing.T) {
	active := uuid.New()
	background := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{active: true, background: true}}
	_, ls, feed := newListFixture(t, auth)

	ls.SetActive(active)

	other := messaging.UserSender(uuid.New())
	now := time.Now().UTC()
	feed.PublishMessage(eventFrom(active, other, "in open thread", now))
	feed.PublishMessage(eventFrom(background, other, "elsewhere", now))

	waitEntries(t, ls, background, 1)
	if _, ok := ls.Entries()[active]; ok {
		t.Error("events for the open thread are the thread synchronizer's job")
	}
	if ls.Unread(active) != 0 {
		t.Error("active conversation must not accrue unreads")
	}
}

func TestListSync_SetActiveClearsUnread(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{convID: true}}
	_, ls, feed := newListFixture(t, auth)

	feed.PublishMessage(eventFrom(convID, messaging.UserSender(uuid.New()), "ping", time.Now().UTC()))
	waitEntries(t, ls, convID, 1)

	ls.SetActive(convID)
	if ls.Unread(convID) != 0 {
		t.Error("opening a thread should clear its unread count")
	}
}

func TestListSync_DuplicateEventCountedOnce(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{convID: true}}
	_, ls, feed := newListFixture(t, auth)

	ev := eventFrom(convID, messaging.UserSender(uuid.New()), "dup", time.Now().UTC())
	feed.PublishMessage(ev)
	feed.PublishMessage(ev)

	time.Sleep(100 * time.Millisecond)
	if got := ls.Unread(convID); got != 1 {
		t.Errorf("unread = %d, want 1 (at-least-once delivery must dedupe)", got)
	}
}

func TestListSync_NotifyIsSynchronousAndOrdered(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{convID: true}}
	actor := messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: uuid.New()}
	ls := NewListSync(actor, NewMemFeed(), auth, nil)

	calls := 0
	ls.OnChange = func() { calls++ }

	ctx := context.Background()
	other := messaging.UserSender(uuid.New())
	ls.handle(ctx, eventFrom(convID, other, "first", time.Now().UTC()))
	if calls != 1 {
		t.Fatalf("OnChange fired %d times after one event, want 1", calls)
	}
	ls.handle(ctx, eventFrom(convID, other, "second", time.Now().UTC()))
	if calls != 2 {
		t.Errorf("OnChange fired %d times after two events, want 2", calls)
	}
}

func TestListSync_DedupeSetBounded(t *testing.T) {
	convID := uuid.New()
	auth := &allowAuth{allowed: map[uuid.UUID]bool{convID: true}}
	actor := messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: uuid.New()}
	ls := NewListSync(actor, NewMemFeed(), auth, nil)

	ctx := context.Background()
	other := messaging.UserSender(uuid.New())
	for i := 0; i < listSeenCap+100; i++ {
		ls.handle(ctx, eventFrom(convID, other, "m", time.Now().UTC()))
	}

	if len(ls.seen) != listSeenCap {
		t.Errorf("seen set holds %d ids, cap is %d", len(ls.seen), listSeenCap)
	}
	if len(ls.seenOrder) != len(ls.seen) {
		t.Errorf("eviction order length %d out of step with set size %d", len(ls.seenOrder), len(ls.seen))
	}
	if got := ls.Unread(convID); got != listSeenCap+100 {
		t.Errorf("unread = %d, want %d (distinct messages all count)", got, listSeenCap+100)
	}
}
