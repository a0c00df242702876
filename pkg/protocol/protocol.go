// Package protocol defines the wire protocol between the relay gateway and
// its clients: websocket frame shapes, operation names, and event names.
// Shared by the server and the realtime websocket client.
package protocol

import "encoding/json"

// Client → server operations.
const (
	OpSubscribe      = "subscribe"       // attach to one conversation's feed
	OpUnsubscribe    = "unsubscribe"     // release a conversation attachment
	OpSubscribeList  = "subscribe_list"  // attach to the actor-scope feed
	OpUnsubscribeAll = "unsubscribe_all" // release everything on this socket
	OpPing           = "ping"
)

// Server → client events.
const (
	EventMessageInserted = "message.inserted"
	EventSubscribed      = "subscribed"
	EventUnsubscribed    = "unsubscribed"
	EventError           = "error"
	EventPong            = "pong"
)

// ClientFrame is a client → server websocket frame.
type ClientFrame struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ServerFrame is a server → client websocket frame. Payload shape depends on
// Event; for message.inserted it is the realtime message event.
type ServerFrame struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}
