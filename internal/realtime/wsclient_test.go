package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/pkg/protocol"
)

// fakeGateway is a bare websocket endpoint that records the frames a feed
// client sends and can push server frames back at it.
type fakeGateway struct {
	ts     *httptest.Server
	frames chan protocol.ClientFrame

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{frames: make(chan protocol.ClientFrame, 16)}
	upgrader := websocket.Upgrader{}
	g.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		for {
			var frame protocol.ClientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			g.frames <- frame
		}
	}))
	t.Cleanup(g.ts.Close)
	return g
}

func (g *fakeGateway) nextFrame(t *testing.T) protocol.ClientFrame {
	t.Helper()
	select {
	case f := <-g.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from feed client")
		return protocol.ClientFrame{}
	}
}

func (g *fakeGateway) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-g.frames:
		t.Fatalf("unexpected frame from feed client: %+v", f)
	case <-time.After(wait):
	}
}

func (g *fakeGateway) pushInsert(t *testing.T, msg *messaging.Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection established")
	}
	if err := conn.WriteJSON(protocol.ServerFrame{
		Event:          protocol.EventMessageInserted,
		ConversationID: msg.ConversationID.String(),
		Payload:        payload,
	}); err != nil {
		t.Fatalf("push insert: %v", err)
	}
}

func testActor() messaging.Actor {
	return messaging.Actor{Sender: messaging.UserSender(uuid.New()), CompanyID: uuid.New()}
}

func dialTestFeed(t *testing.T, g *fakeGateway) *FeedClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialFeed(ctx, g.ts.URL, "", testActor())
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitEvent(t *testing.T, ch <-chan MessageEvent) MessageEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return MessageEvent{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan MessageEvent, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for message %s", ev.MessageID)
	case <-time.After(wait):
	}
}

func TestFeedClient_MultiplexesOneSubscribeFrame(t *testing.T) {
	g := newFakeGateway(t)
	client := dialTestFeed(t, g)
	convID := uuid.New()

	first := make(chan MessageEvent, 4)
	second := make(chan MessageEvent, 4)

	sub1, err := client.SubscribeConversation(convID, func(ev MessageEvent) { first <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	frame := g.nextFrame(t)
	if frame.Op != protocol.OpSubscribe || frame.ConversationID != convID.String() {
		t.Fatalf("frame = %+v, want subscribe for %s", frame, convID)
	}

	// A second local handler shares the wire subscription.
	sub2, err := client.SubscribeConversation(convID, func(ev MessageEvent) { second <- ev })
	if err != nil {
		t.Fatalf("subscribe again: %v", err)
	}
	g.expectNoFrame(t, 100*time.Millisecond)

	msg := &messaging.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Sender:         messaging.UserSender(uuid.New()),
		Body:           "over the feed",
		Type:           messaging.MsgText,
		CreatedAt:      time.Now().UTC(),
	}
	g.pushInsert(t, msg)

	for name, ch := range map[string]chan MessageEvent{"first": first, "second": second} {
		ev := waitEvent(t, ch)
		if ev.ConversationID != convID || ev.Raw.Body != "over the feed" {
			t.Errorf("%s handler got %+v", name, ev)
		}
	}

	// Not the last subscriber: no unsubscribe frame yet, delivery continues.
	sub1.Close()
	g.expectNoFrame(t, 100*time.Millisecond)

	// Last one out sends the unsubscribe and delivery stops.
	sub2.Close()
	frame = g.nextFrame(t)
	if frame.Op != protocol.OpUnsubscribe || frame.ConversationID != convID.String() {
		t.Fatalf("frame = %+v, want unsubscribe for %s", frame, convID)
	}

	msg.ID = uuid.New()
	g.pushInsert(t, msg)
	expectNoEvent(t, first, 100*time.Millisecond)
	expectNoEvent(t, second, 100*time.Millisecond)
}

func TestFeedClient_ScopeSubscription(t *testing.T) {
	g := newFakeGateway(t)
	client := dialTestFeed(t, g)

	events := make(chan MessageEvent, 4)
	sub, err := client.SubscribeScope("whole list", func(ev MessageEvent) { events <- ev })
	if err != nil {
		t.Fatalf("subscribe scope: %v", err)
	}
	if frame := g.nextFrame(t); frame.Op != protocol.OpSubscribeList {
		t.Fatalf("frame = %+v, want subscribe_list", frame)
	}

	msg := &messaging.Message{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		Sender:         messaging.UserSender(uuid.New()),
		Body:           "anywhere",
		Type:           messaging.MsgText,
		CreatedAt:      time.Now().UTC(),
	}
	g.pushInsert(t, msg)
	if ev := waitEvent(t, events); ev.MessageID != msg.ID {
		t.Errorf("event for %s, want %s", ev.MessageID, msg.ID)
	}

	sub.Close()
	msg.ID = uuid.New()
	g.pushInsert(t, msg)
	expectNoEvent(t, events, 100*time.Millisecond)
}

func TestDialFeed_RejectsInvalidActor(t *testing.T) {
	g := newFakeGateway(t)
	if _, err := DialFeed(context.Background(), g.ts.URL, "", messaging.Actor{}); err == nil {
		t.Error("zero actor must be rejected before dialing")
	}
}
