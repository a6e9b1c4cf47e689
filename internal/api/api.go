// ABOUTME: Authenticated operator API for conversations, messages and customers
// ABOUTME: JSON handlers plus an SSE stream of per-conversation events

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/dispatch"
	"github.com/relaydesk/relaydesk/internal/events"
	"github.com/relaydesk/relaydesk/internal/ledger"
	"github.com/relaydesk/relaydesk/internal/store"
)

const defaultMessageLimit = 50

// Handler serves the operator-facing API. Every route except /health sits
// behind the JWT middleware; handlers trust auth.OperatorFrom for tenancy.
type Handler struct {
	store       store.Store
	dispatcher  *dispatch.Coordinator
	broadcaster *events.Broadcaster
	verifier    auth.TokenVerifier
	logger      *slog.Logger
}

// New creates the operator API handler.
func New(s store.Store, d *dispatch.Coordinator, b *events.Broadcaster, v auth.TokenVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       s,
		dispatcher:  d,
		broadcaster: b,
		verifier:    v,
		logger:      logger.With("component", "api"),
	}
}

// Register mounts the API routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	authed := auth.Middleware(h.store, h.verifier)

	mux.Handle("GET /api/conversations", authed(http.HandlerFunc(h.handleListConversations)))
	mux.Handle("GET /api/conversations/{id}/messages", authed(http.HandlerFunc(h.handleListMessages)))
	mux.Handle("POST /api/conversations/{id}/messages", authed(http.HandlerFunc(h.handleSendMessage)))
	mux.Handle("POST /api/conversations/{id}/status", authed(http.HandlerFunc(h.handleSetStatus)))
	mux.Handle("POST /api/conversations/{id}/resume", authed(http.HandlerFunc(h.handleResume)))
	mux.Handle("GET /api/conversations/{id}/events", authed(http.HandlerFunc(h.handleEvents)))
	mux.Handle("PATCH /api/customers/{id}", authed(http.HandlerFunc(h.handleUpdateCustomer)))
	mux.HandleFunc("GET /health", h.handleHealth)
}

// ConversationResponse is the wire shape of one conversation.
type ConversationResponse struct {
	ID              string    `json:"id"`
	LinkedAccountID string    `json:"linked_account_id"`
	CustomerID      string    `json:"customer_id"`
	Status          string    `json:"status"`
	LastMessageAt   time.Time `json:"last_message_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageResponse is the wire shape of one message.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderType     string    `json:"sender_type"`
	Content        string    `json:"content"`
	ExternalID     *string   `json:"external_id,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:              c.ID,
		LinkedAccountID: c.LinkedAccountID,
		CustomerID:      c.CustomerID,
		Status:          c.Status,
		LastMessageAt:   c.LastMessageAt,
		CreatedAt:       c.CreatedAt,
	}
}

func messageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderType:     m.SenderType,
		Content:        m.Content,
		ExternalID:     m.ExternalID,
		Status:         m.Status,
		Attempts:       m.Attempts,
		CreatedAt:      m.CreatedAt,
	}
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	operatorID := auth.OperatorFrom(r.Context())

	limit := parseLimit(r, 100)
	convs, err := h.store.ListConversations(r.Context(), operatorID, limit)
	if err != nil {
		h.logger.Error("listing conversations", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, conversationResponse(c))
	}
	h.sendJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	limit := parseLimit(r, defaultMessageLimit)
	msgs, err := h.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		h.logger.Error("listing messages", "conversation_id", conv.ID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse(m))
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// SendMessageRequest is the body of POST .../messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	operatorID := auth.OperatorFrom(r.Context())
	conversationID := r.PathValue("id")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		h.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := h.dispatcher.Enqueue(r.Context(), operatorID, conversationID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.sendJSONError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, ledger.ErrInvariantViolation):
			// Cross-tenant access reads as absence, not as forbidden
			h.sendJSONError(w, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Error("enqueueing message", "conversation_id", conversationID, "error", err)
			h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.sendJSON(w, http.StatusAccepted, messageResponse(msg))
}

// SetStatusRequest is the body of POST .../status.
type SetStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Status {
	case store.ConversationOpen, store.ConversationPending, store.ConversationClosed:
	default:
		h.sendJSONError(w, http.StatusBadRequest, "status must be open, pending or closed")
		return
	}

	if err := h.store.SetConversationStatus(r.Context(), conv.ID, req.Status); err != nil {
		h.logger.Error("setting conversation status", "conversation_id", conv.ID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conv.Status = req.Status
	h.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	if err := h.dispatcher.Resume(conv.ID); err != nil {
		if errors.Is(err, dispatch.ErrNotHalted) {
			h.sendJSONError(w, http.StatusConflict, "conversation dispatch is not halted")
			return
		}
		h.logger.Error("resuming dispatch", "conversation_id", conv.ID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

// UpdateCustomerRequest is the body of PATCH /api/customers/{id}. Identity
// fields (platform, external id) are immutable and not accepted here.
type UpdateCustomerRequest struct {
	DisplayName *string `json:"display_name"`
	ContactInfo *string `json:"contact_info"`
	Notes       *string `json:"notes"`
}

func (h *Handler) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	operatorID := auth.OperatorFrom(r.Context())
	customerID := r.PathValue("id")

	customer, err := h.store.GetCustomer(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendJSONError(w, http.StatusNotFound, "customer not found")
			return
		}
		h.logger.Error("loading customer", "customer_id", customerID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if customer.OwnerUserID != operatorID {
		h.sendJSONError(w, http.StatusNotFound, "customer not found")
		return
	}

	var req UpdateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.DisplayName != nil {
		customer.DisplayName = *req.DisplayName
	}
	if req.ContactInfo != nil {
		customer.ContactInfo = *req.ContactInfo
	}
	if req.Notes != nil {
		customer.Notes = *req.Notes
	}

	if err := h.store.UpdateCustomerProfile(r.Context(), customerID, operatorID,
		customer.DisplayName, customer.ContactInfo, customer.Notes); err != nil {
		h.logger.Error("updating customer", "customer_id", customerID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]string{
		"id":           customer.ID,
		"display_name": customer.DisplayName,
		"contact_info": customer.ContactInfo,
		"notes":        customer.Notes,
	})
}

// handleEvents streams conversation events over SSE until the client
// disconnects.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.ownedConversation(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		h.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, _ := h.broadcaster.Subscribe(r.Context(), conv.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.writeSSEEvent(w, "connected", map[string]string{"conversation_id": conv.ID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			h.writeSSEEvent(w, event.Type, event)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ownedConversation loads the conversation in the path and enforces tenancy.
// Cross-tenant hits answer 404 so operators cannot probe each other's IDs.
func (h *Handler) ownedConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	operatorID := auth.OperatorFrom(r.Context())
	conversationID := r.PathValue("id")

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return nil, false
		}
		h.logger.Error("loading conversation", "conversation_id", conversationID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if conv.OwnerUserID != operatorID {
		h.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (h *Handler) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
