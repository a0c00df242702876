package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/pkg/protocol"
)

// FeedClient is a Feed implementation over a gateway websocket, for clients
// running outside the relay process. It multiplexes any number of local
// handlers onto one socket: the first subscriber for a conversation sends the
// subscribe frame, the last one leaving sends the unsubscribe.
type FeedClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    uint64
	convSubs  map[uuid.UUID]map[uint64]Handler
	scopeSubs map[uint64]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// DialFeed connects to a relay gateway. baseURL is the http(s) address of the
// gateway; credentials travel as query parameters because browsers cannot set
// headers on websocket upgrades.
func DialFeed(ctx context.Context, baseURL, token string, actor messaging.Actor) (*FeedClient, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("feed client: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("sender_kind", string(actor.Sender.Kind))
	q.Set("sender_id", actor.Sender.ID.String())
	q.Set("company_id", actor.CompanyID.String())
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, messaging.Transient("feed dial", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	runCtx, cancel := context.WithCancel(context.Background())
	c := &FeedClient{
		conn:      conn,
		convSubs:  make(map[uuid.UUID]map[uint64]Handler),
		scopeSubs: make(map[uint64]Handler),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.readLoop(runCtx)
	return c, nil
}

// Close shuts the socket down and stops delivery. Pending subscriptions
// become inert; closing them is still safe.
func (c *FeedClient) Close() {
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "client closing")
	<-c.done
}

// SubscribeConversation attaches a handler for one conversation's inserts.
func (c *FeedClient) SubscribeConversation(convID uuid.UUID, h Handler) (*Subscription, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	first := len(c.convSubs[convID]) == 0
	if c.convSubs[convID] == nil {
		c.convSubs[convID] = make(map[uint64]Handler)
	}
	c.convSubs[convID][id] = h
	c.mu.Unlock()

	if first {
		if err := c.writeFrame(protocol.ClientFrame{Op: protocol.OpSubscribe, ConversationID: convID.String()}); err != nil {
			c.mu.Lock()
			delete(c.convSubs[convID], id)
			c.mu.Unlock()
			return nil, messaging.Transient("feed subscribe", err)
		}
	}

	return NewSubscription(func() {
		c.mu.Lock()
		delete(c.convSubs[convID], id)
		last := len(c.convSubs[convID]) == 0
		if last {
			delete(c.convSubs, convID)
		}
		c.mu.Unlock()
		if last {
			if err := c.writeFrame(protocol.ClientFrame{Op: protocol.OpUnsubscribe, ConversationID: convID.String()}); err != nil {
				slog.Debug("feed unsubscribe failed", "conversation", convID, "error", err)
			}
		}
	}), nil
}

// SubscribeScope attaches a handler for the connection actor's list feed.
// The gateway filters events by the actor's policy; the scope argument only
// names the local subscriber.
func (c *FeedClient) SubscribeScope(scope string, h Handler) (*Subscription, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	first := len(c.scopeSubs) == 0
	c.scopeSubs[id] = h
	c.mu.Unlock()

	if first {
		if err := c.writeFrame(protocol.ClientFrame{Op: protocol.OpSubscribeList}); err != nil {
			c.mu.Lock()
			delete(c.scopeSubs, id)
			c.mu.Unlock()
			return nil, messaging.Transient("feed subscribe list", err)
		}
	}

	return NewSubscription(func() {
		c.mu.Lock()
		delete(c.scopeSubs, id)
		c.mu.Unlock()
	}), nil
}

func (c *FeedClient) writeFrame(frame protocol.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(context.Background(), websocket.MessageText, data)
}

func (c *FeedClient) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("feed connection lost", "error", err)
			}
			return
		}

		var frame protocol.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("feed: malformed frame", "error", err)
			continue
		}

		switch frame.Event {
		case protocol.EventMessageInserted:
			c.dispatch(frame)
		case protocol.EventError:
			slog.Warn("feed server error", "conversation", frame.ConversationID, "error", frame.Error)
		}
	}
}

func (c *FeedClient) dispatch(frame protocol.ServerFrame) {
	var msg messaging.Message
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		slog.Debug("feed: malformed message payload", "error", err)
		return
	}

	ev := EventFromMessage(&msg)

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.convSubs[ev.ConversationID])+len(c.scopeSubs))
	for _, h := range c.convSubs[ev.ConversationID] {
		handlers = append(handlers, h)
	}
	for _, h := range c.scopeSubs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
