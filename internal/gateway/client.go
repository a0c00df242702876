package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/realtime"
	"github.com/fleetgrid/relay/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	// sendQueueSize bounds the outbound frame queue; a client that cannot
	// drain falls behind and recovers by re-fetching history.
	sendQueueSize = 64
	eventQueue    = 256
	seenCap       = 1024
)

// Client is one websocket connection: it owns its feed subscriptions and
// releases them when the socket drops. Subscribe requests are authorized
// against the connection's actor; the scope subscription filters every event
// through the same policy, fail closed.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	actor  messaging.Actor

	send   chan protocol.ServerFrame
	events chan realtime.MessageEvent

	mu      sync.Mutex
	subs    map[uuid.UUID]*realtime.Subscription
	listSub *realtime.Subscription

	seen      map[uuid.UUID]struct{}
	seenOrder []uuid.UUID

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server, actor messaging.Actor) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		actor:  actor,
		send:   make(chan protocol.ServerFrame, sendQueueSize),
		events: make(chan realtime.MessageEvent, eventQueue),
		subs:   make(map[uuid.UUID]*realtime.Subscription),
		seen:   make(map[uuid.UUID]struct{}),
	}
}

// Run processes the connection until it drops or ctx is done.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	go c.eventPump(ctx)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame protocol.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read", "client", c.id, "error", err)
			}
			return
		}
		c.handleFrame(ctx, frame)
	}
}

// Close releases all subscriptions and the connection. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for id, sub := range c.subs {
			sub.Close()
			delete(c.subs, id)
		}
		c.listSub.Close()
		c.listSub = nil
		c.mu.Unlock()
		c.conn.Close()
	})
}

func (c *Client) handleFrame(ctx context.Context, frame protocol.ClientFrame) {
	switch frame.Op {
	case protocol.OpSubscribe:
		c.subscribe(ctx, frame.ConversationID)
	case protocol.OpUnsubscribe:
		c.unsubscribe(frame.ConversationID)
	case protocol.OpSubscribeList:
		c.subscribeList()
	case protocol.OpUnsubscribeAll:
		c.unsubscribeAll()
	case protocol.OpPing:
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventPong})
	default:
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventError, Error: "unknown op: " + frame.Op})
	}
}

func (c *Client) subscribe(ctx context.Context, rawID string) {
	convID, err := uuid.Parse(rawID)
	if err != nil {
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventError, Error: "invalid conversation_id"})
		return
	}

	ok, err := c.server.inbox.CanSee(ctx, convID, c.actor)
	if err != nil || !ok {
		c.sendFrame(protocol.ServerFrame{
			Event:          protocol.EventError,
			ConversationID: rawID,
			Error:          "not authorized",
		})
		return
	}

	c.mu.Lock()
	if _, dup := c.subs[convID]; dup {
		c.mu.Unlock()
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventSubscribed, ConversationID: rawID})
		return
	}
	c.mu.Unlock()

	sub, err := c.server.feed.SubscribeConversation(convID, c.enqueue)
	if err != nil {
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventError, ConversationID: rawID, Error: "subscribe failed"})
		return
	}

	c.mu.Lock()
	c.subs[convID] = sub
	c.mu.Unlock()

	c.sendFrame(protocol.ServerFrame{Event: protocol.EventSubscribed, ConversationID: rawID})
}

func (c *Client) unsubscribe(rawID string) {
	convID, err := uuid.Parse(rawID)
	if err != nil {
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventError, Error: "invalid conversation_id"})
		return
	}

	c.mu.Lock()
	sub := c.subs[convID]
	delete(c.subs, convID)
	c.mu.Unlock()

	sub.Close()
	c.sendFrame(protocol.ServerFrame{Event: protocol.EventUnsubscribed, ConversationID: rawID})
}

func (c *Client) subscribeList() {
	c.mu.Lock()
	if c.listSub != nil {
		c.mu.Unlock()
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventSubscribed})
		return
	}
	c.mu.Unlock()

	sub, err := c.server.feed.SubscribeScope(c.actor.Scope(), c.enqueue)
	if err != nil {
		c.sendFrame(protocol.ServerFrame{Event: protocol.EventError, Error: "subscribe failed"})
		return
	}

	c.mu.Lock()
	c.listSub = sub
	c.mu.Unlock()

	c.sendFrame(protocol.ServerFrame{Event: protocol.EventSubscribed})
}

func (c *Client) unsubscribeAll() {
	c.mu.Lock()
	for id, sub := range c.subs {
		sub.Close()
		delete(c.subs, id)
	}
	sub := c.listSub
	c.listSub = nil
	c.mu.Unlock()

	sub.Close()
	c.sendFrame(protocol.ServerFrame{Event: protocol.EventUnsubscribed})
}

// enqueue is the feed handler: hand off to the event pump without blocking
// the publisher.
func (c *Client) enqueue(ev realtime.MessageEvent) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("client event queue full, dropping", "client", c.id, "message", ev.MessageID)
	}
}

// eventPump authorizes, dedupes, enriches, and forwards feed events. Runs
// on its own goroutine so store lookups never block the feed.
func (c *Client) eventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.deliver(ctx, ev)
		}
	}
}

func (c *Client) deliver(ctx context.Context, ev realtime.MessageEvent) {
	// A conversation and a list subscription both receive the same insert;
	// forward it once.
	if c.alreadySeen(ev.MessageID) {
		return
	}

	c.mu.Lock()
	_, direct := c.subs[ev.ConversationID]
	hasList := c.listSub != nil
	c.mu.Unlock()

	if !direct {
		if !hasList {
			return
		}
		ok, err := c.server.inbox.CanSee(ctx, ev.ConversationID, c.actor)
		if err != nil || !ok {
			return // fail closed
		}
	}

	msg := c.server.enricher.Enrich(ctx, ev)
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal message event", "error", err)
		return
	}

	c.sendFrame(protocol.ServerFrame{
		Event:          protocol.EventMessageInserted,
		ConversationID: ev.ConversationID.String(),
		Payload:        payload,
	})
}

func (c *Client) alreadySeen(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenCap {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return false
}

func (c *Client) sendFrame(frame protocol.ServerFrame) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("client send queue full, dropping", "client", c.id, "event", frame.Event)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
