package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/router"
	"github.com/fleetgrid/relay/internal/store"
	"github.com/fleetgrid/relay/internal/visibility"
)

// registerRoutes registers the REST API on the given mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/conversations/resolve", s.auth(s.handleResolve))
	mux.HandleFunc("GET /v1/conversations", s.auth(s.handleListConversations))
	mux.HandleFunc("GET /v1/conversations/{id}", s.auth(s.handleGetConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.auth(s.handleListMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.auth(s.handleSendMessage))
	mux.HandleFunc("POST /v1/conversations/{id}/read", s.auth(s.handleMarkRead))

	mux.HandleFunc("GET /v1/loads/{id}/visibility", s.auth(s.handleGetVisibility))
	mux.HandleFunc("PUT /v1/loads/{id}/visibility", s.auth(s.handleSetVisibility))
}

// auth checks the bearer token and parses the acting identity from headers.
type actorHandler func(w http.ResponseWriter, r *http.Request, actor messaging.Actor)

func (s *Server) auth(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Snapshot().AuthToken
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		actor, err := actorFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		next(w, r, actor)
	}
}

// --- Conversations ---

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	var ref resolver.Ref
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ref); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	conv, err := s.resolver.Resolve(r.Context(), ref, actor)
	if err != nil {
		writeError(w, "gateway.resolve", err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	entries, err := s.inbox.List(r.Context(), actor)
	if err != nil {
		writeError(w, "gateway.list_conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": entries})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
		return
	}

	conv, vis, err := s.visibleConversation(r, convID, actor)
	if err != nil {
		writeError(w, "gateway.get_conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"read_only":    vis == messaging.VisibilityReadOnly,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
		return
	}

	if _, _, err := s.visibleConversation(r, convID, actor); err != nil {
		writeError(w, "gateway.list_messages", err)
		return
	}

	opts := store.MessageListOpts{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "before must be RFC3339"})
			return
		}
		opts.Before = t
	}

	msgs, err := s.stores.Messages.ListByConversation(r.Context(), convID, opts)
	if err != nil {
		writeError(w, "gateway.list_messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
		return
	}

	if s.rateLimiter.Enabled() && !s.rateLimiter.Allow(actor.Scope()) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	var in router.SendInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	// The agent marker is stamped by the tool gateway only; a REST caller
	// can neither claim the type nor smuggle the metadata key.
	if in.Type == messaging.MsgAIResponse {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message type ai_response is reserved"})
		return
	}
	delete(in.Metadata, messaging.MetaAgentGenerated)

	target, err := s.stores.Conversations.GetByID(r.Context(), convID)
	if err != nil {
		writeError(w, "gateway.send", err)
		return
	}

	msg, err := s.router.Send(r.Context(), actor, target, in)
	if err != nil {
		writeError(w, "gateway.send", err)
		return
	}

	_, redirected := msg.Redirected()
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":    msg,
		"redirected": redirected,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation ID"})
		return
	}

	if _, _, err := s.visibleConversation(r, convID, actor); err != nil {
		writeError(w, "gateway.mark_read", err)
		return
	}

	if err := s.inbox.MarkRead(r.Context(), convID, actor); err != nil {
		writeError(w, "gateway.mark_read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// --- Load visibility ---

func (s *Server) handleGetVisibility(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	load, partner, err := s.loadForCarrierStaff(r, actor)
	if err != nil {
		writeError(w, "gateway.get_visibility", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"driver_visibility": visibility.DriverSetting(load, partner),
		"locked":            visibility.IsLocked(partner),
	})
}

func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request, actor messaging.Actor) {
	load, partner, err := s.loadForCarrierStaff(r, actor)
	if err != nil {
		writeError(w, "gateway.set_visibility", err)
		return
	}

	var req struct {
		DriverVisibility messaging.Visibility `json:"driver_visibility"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if !req.DriverVisibility.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "driver_visibility must be none, read_only, or full"})
		return
	}

	if visibility.IsLocked(partner) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "driver visibility is locked by the partner mandate"})
		return
	}

	if err := s.stores.Loads.SetDriverVisibility(r.Context(), load.ID, req.DriverVisibility); err != nil {
		writeError(w, "gateway.set_visibility", err)
		return
	}

	slog.Info("driver visibility updated",
		"load", load.ID,
		"visibility", req.DriverVisibility,
		"by", actor.Sender.String(),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// --- Helpers ---

// visibleConversation fetches a conversation and checks the actor can see it.
// A conversation the actor cannot see reads as not found, so its existence
// does not leak.
func (s *Server) visibleConversation(r *http.Request, convID uuid.UUID, actor messaging.Actor) (*messaging.Conversation, messaging.Visibility, error) {
	conv, err := s.stores.Conversations.GetByID(r.Context(), convID)
	if err != nil {
		return nil, messaging.VisibilityNone, err
	}
	vis, err := s.router.VisibilityFor(r.Context(), conv, actor)
	if err != nil {
		return nil, messaging.VisibilityNone, err
	}
	if vis == messaging.VisibilityNone {
		return nil, messaging.VisibilityNone, messaging.ErrNotFound
	}
	return conv, vis, nil
}

// loadForCarrierStaff fetches a load and its partner row, requiring the actor
// to be a staff seat of the carrier.
func (s *Server) loadForCarrierStaff(r *http.Request, actor messaging.Actor) (*messaging.Load, *messaging.Partner, error) {
	loadID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid load ID", messaging.ErrValidation)
	}

	load, err := s.stores.Loads.GetLoad(r.Context(), loadID)
	if err != nil {
		return nil, nil, err
	}
	if actor.Sender.Kind == messaging.SenderDriver || actor.CompanyID != load.CarrierID {
		return nil, nil, messaging.ErrNotAuthorized
	}

	partner, err := s.resolver.LoadPartner(r.Context(), load)
	if err != nil {
		return nil, nil, err
	}
	return load, partner, nil
}

// actorFromRequest parses the acting identity from X-Relay-* headers, with
// query-parameter fallback for websocket upgrades.
func actorFromRequest(r *http.Request) (messaging.Actor, error) {
	get := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}

	kind := messaging.SenderKind(get("X-Relay-Sender-Kind", "sender_kind"))
	senderID, err := uuid.Parse(get("X-Relay-Sender-Id", "sender_id"))
	if err != nil {
		return messaging.Actor{}, fmt.Errorf("%w: sender id is required", messaging.ErrValidation)
	}
	companyID, err := uuid.Parse(get("X-Relay-Company-Id", "company_id"))
	if err != nil {
		return messaging.Actor{}, fmt.Errorf("%w: company id is required", messaging.ErrValidation)
	}

	actor := messaging.Actor{
		Sender:    messaging.Sender{Kind: kind, ID: senderID},
		CompanyID: companyID,
	}
	if err := actor.Validate(); err != nil {
		return messaging.Actor{}, err
	}
	return actor, nil
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

// writeError maps the messaging error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, messaging.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, messaging.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not authorized"})
	case errors.Is(err, messaging.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, messaging.ErrMessagingUnavailable):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "messaging unavailable for this partner"})
	default:
		slog.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
