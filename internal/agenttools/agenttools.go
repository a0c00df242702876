// Package agenttools exposes the messaging core to AI agents over MCP.
//
// Every tool call is bound to the actor fixed at construction and flows
// through the same resolver, policy engine, and router as a human send.
// Permission enforcement lives here in code; nothing about what the agent may
// see or write depends on prompt text.
package agenttools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fleetgrid/relay/internal/inbox"
	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/router"
	"github.com/fleetgrid/relay/internal/store"
)

const serverName = "relay-agent-tools"

// historyDefaultLimit bounds get_conversation_messages when the agent does
// not ask for a specific page size.
const historyDefaultLimit = 50

// Gateway binds an acting identity to the messaging core for agent access.
type Gateway struct {
	actor    messaging.Actor
	resolver *resolver.Resolver
	router   *router.Router
	inbox    *inbox.Inbox
	messages store.MessageStore
}

// NewGateway creates an agent gateway acting as actor. The actor is fixed for
// the lifetime of the server; an agent cannot escalate by passing a different
// identity in tool arguments.
func NewGateway(actor messaging.Actor, res *resolver.Resolver, rtr *router.Router, ibx *inbox.Inbox, messages store.MessageStore) (*Gateway, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		actor:    actor,
		resolver: res,
		router:   rtr,
		inbox:    ibx,
		messages: messages,
	}, nil
}

// MCPServer builds the MCP server with all relay tools registered.
func (g *Gateway) MCPServer(version string) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(serverName, version,
		mcpserver.WithToolCapabilities(false),
	)

	srv.AddTool(
		mcpgo.NewTool("send_message",
			mcpgo.WithDescription("Send a message to a conversation. The message is routed by the relay's visibility policy; it may land in a more restricted thread than addressed and is always labeled as agent-generated."),
			mcpgo.WithString("conversation_id", mcpgo.Required(), mcpgo.Description("Target conversation UUID")),
			mcpgo.WithString("body", mcpgo.Required(), mcpgo.Description("Message text")),
		),
		g.handleSendMessage,
	)

	srv.AddTool(
		mcpgo.NewTool("get_conversation_messages",
			mcpgo.WithDescription("Read recent messages from a conversation the acting identity can see."),
			mcpgo.WithString("conversation_id", mcpgo.Required(), mcpgo.Description("Conversation UUID")),
			mcpgo.WithNumber("limit", mcpgo.Description("Maximum messages to return, newest last (default 50)")),
		),
		g.handleGetMessages,
	)

	srv.AddTool(
		mcpgo.NewTool("classify_message_context",
			mcpgo.WithDescription("Classify a message body: kind, urgency, and a suggested follow-up action. Pure text analysis, no data access."),
			mcpgo.WithString("body", mcpgo.Required(), mcpgo.Description("Message text to classify")),
		),
		g.handleClassify,
	)

	srv.AddTool(
		mcpgo.NewTool("summarize_conversation",
			mcpgo.WithDescription("Produce a structured digest of a conversation the acting identity can see: participants, activity, and recent messages."),
			mcpgo.WithString("conversation_id", mcpgo.Required(), mcpgo.Description("Conversation UUID")),
			mcpgo.WithNumber("max_messages", mcpgo.Description("How many recent messages to include (default 20)")),
		),
		g.handleSummarize,
	)

	srv.AddTool(
		mcpgo.NewTool("create_balance_verification_request",
			mcpgo.WithDescription("Create a balance verification request for a load. Always lands in the load's internal thread, never in the partner-shared one."),
			mcpgo.WithString("load_id", mcpgo.Required(), mcpgo.Description("Load UUID")),
			mcpgo.WithNumber("amount", mcpgo.Required(), mcpgo.Description("Balance amount to verify, must be positive")),
			mcpgo.WithString("stop_type", mcpgo.Required(), mcpgo.Description("Which stop the balance applies to: pickup or delivery")),
			mcpgo.WithString("instructions", mcpgo.Description("Free-form instructions for the driver or dispatcher")),
		),
		g.handleBalanceRequest,
	)

	return srv
}

// ServeStdio runs the MCP server over stdio until the stream closes.
func (g *Gateway) ServeStdio(version string) error {
	return mcpserver.ServeStdio(g.MCPServer(version))
}

func (g *Gateway) handleSendMessage(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	convID, result := g.conversationArg(req)
	if result != nil {
		return result, nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	target, err := g.router.Conversation(ctx, convID)
	if err != nil {
		return toolError("send_message", err), nil
	}

	// The agent marker is stamped here, not taken from arguments: tool
	// callers cannot spoof or suppress it.
	msg, err := g.router.Send(ctx, g.actor, target, router.SendInput{
		Body: body,
		Type: messaging.MsgAIResponse,
		Metadata: map[string]any{
			messaging.MetaAgentGenerated: true,
		},
	})
	if err != nil {
		return toolError("send_message", err), nil
	}

	_, redirected := msg.Redirected()
	slog.Info("agent message sent",
		"conversation", msg.ConversationID,
		"redirected", redirected,
		"actor", g.actor.Sender.String(),
	)
	return jsonResult(map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"redirected":      redirected,
	})
}

func (g *Gateway) handleGetMessages(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	convID, result := g.conversationArg(req)
	if result != nil {
		return result, nil
	}

	if res := g.requireRead(ctx, convID); res != nil {
		return res, nil
	}

	limit := req.GetInt("limit", historyDefaultLimit)
	msgs, err := g.messages.ListByConversation(ctx, convID, store.MessageListOpts{Limit: limit})
	if err != nil {
		return toolError("get_conversation_messages", err), nil
	}

	return jsonResult(map[string]any{"messages": msgs})
}

func (g *Gateway) handleClassify(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	body, err := req.RequireString("body")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(Classify(body))
}

func (g *Gateway) handleSummarize(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	convID, result := g.conversationArg(req)
	if result != nil {
		return result, nil
	}

	if res := g.requireRead(ctx, convID); res != nil {
		return res, nil
	}

	limit := req.GetInt("max_messages", 20)
	msgs, err := g.messages.ListByConversation(ctx, convID, store.MessageListOpts{Limit: limit})
	if err != nil {
		return toolError("summarize_conversation", err), nil
	}

	return jsonResult(digest(msgs))
}

func (g *Gateway) handleBalanceRequest(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	loadID, err := uuid.Parse(req.GetString("load_id", ""))
	if err != nil {
		return mcpgo.NewToolResultError("load_id must be a UUID"), nil
	}
	amount, err := req.RequireFloat("amount")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	stopType := req.GetString("stop_type", "")
	instructions := strings.TrimSpace(req.GetString("instructions", ""))

	// Balance details are carrier-internal. Resolve the internal thread with
	// the acting identity's own authorization: a partner-seat agent is
	// rejected here, not redirected.
	target, err := g.resolver.Resolve(ctx, resolver.Ref{
		Context:  resolver.ContextLoad,
		LoadID:   loadID,
		Internal: true,
	}, g.actor)
	if err != nil {
		return toolError("create_balance_verification_request", err), nil
	}

	body := fmt.Sprintf("Balance verification requested: $%.2f at %s.", amount, stopType)
	if instructions != "" {
		body += " " + instructions
	}

	meta := map[string]any{
		messaging.MetaAgentGenerated:  true,
		messaging.MetaBalanceAmount:   amount,
		messaging.MetaBalanceStopType: stopType,
		messaging.MetaBalanceStatus:   "pending",
	}
	if instructions != "" {
		meta[messaging.MetaBalanceInstructions] = instructions
	}

	msg, err := g.router.Send(ctx, g.actor, target, router.SendInput{
		Body:     body,
		Type:     messaging.MsgBalanceRequest,
		Metadata: meta,
	})
	if err != nil {
		return toolError("create_balance_verification_request", err), nil
	}

	return jsonResult(map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"status":          "pending",
	})
}

// conversationArg parses the conversation_id argument.
func (g *Gateway) conversationArg(req mcpgo.CallToolRequest) (uuid.UUID, *mcpgo.CallToolResult) {
	raw, err := req.RequireString("conversation_id")
	if err != nil {
		return uuid.Nil, mcpgo.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcpgo.NewToolResultError("conversation_id must be a UUID")
	}
	return id, nil
}

// requireRead gates read tools on the actor's visibility, fail closed.
func (g *Gateway) requireRead(ctx context.Context, convID uuid.UUID) *mcpgo.CallToolResult {
	ok, err := g.inbox.CanSee(ctx, convID, g.actor)
	if err != nil {
		return toolError("authorize", err)
	}
	if !ok {
		return mcpgo.NewToolResultError("not authorized for this conversation")
	}
	return nil
}

func toolError(op string, err error) *mcpgo.CallToolResult {
	switch {
	case messaging.IsTransient(err):
		return mcpgo.NewToolResultError(op + ": temporarily unavailable, retry")
	default:
		return mcpgo.NewToolResultError(op + ": " + err.Error())
	}
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(data)), nil
}
