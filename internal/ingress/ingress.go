// ABOUTME: Public webhook ingress for platform message and status callbacks
// ABOUTME: Dedupe fast path, adapter parse, identity resolution, ledger append

package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relaydesk/relaydesk/internal/dedupe"
	"github.com/relaydesk/relaydesk/internal/ledger"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/resolver"
	"github.com/relaydesk/relaydesk/internal/store"
)

// maxPayloadBytes caps webhook bodies. Platform payloads are small; anything
// bigger is garbage.
const maxPayloadBytes = 1 << 20

// Handler serves the unauthenticated webhook surface. Platform signatures
// and secrets, checked inside each adapter's parse, are the only
// authentication here.
type Handler struct {
	registry *platform.Registry
	cache    *dedupe.Cache
	resolver *resolver.Resolver
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

// New creates the webhook handler.
func New(reg *platform.Registry, cache *dedupe.Cache, res *resolver.Resolver, led *ledger.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		cache:    cache,
		resolver: res,
		ledger:   led,
		logger:   logger.With("component", "ingress"),
	}
}

// Register mounts the webhook routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{platform}", h.handleInbound)
	mux.HandleFunc("POST /webhooks/{platform}/status", h.handleStatus)
}

type inboundResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	MessageID string `json:"message_id,omitempty"`
}

// handleInbound processes one platform delivery. Redeliveries answer success
// without re-recording: platforms retry until they see a 2xx, so the
// duplicate path must look exactly like the first-delivery path from
// outside.
func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	adapter, err := h.registry.Lookup(platformName)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	event, err := adapter.ParseInbound(payload, r.Header)
	if err != nil {
		var pe *platform.ParseError
		if errors.As(err, &pe) {
			h.logger.Warn("rejected inbound payload",
				"platform", platformName,
				"reason", pe.Reason)
			writeError(w, http.StatusBadRequest, "unprocessable payload")
			return
		}
		h.logger.Error("adapter parse failed", "platform", platformName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Fast path: a recently processed delivery skips resolution and storage
	// entirely. The storage unique index stays the authority when the cache
	// is cold.
	key := dedupe.Key(platformName, event.ExternalAccountID, event.ExternalCustomerID, event.ExternalMessageID)
	if event.ExternalMessageID != "" && h.cache.Check(key) {
		writeJSON(w, http.StatusOK, inboundResponse{Accepted: true, Duplicate: true})
		return
	}

	res, err := h.resolver.Resolve(r.Context(), resolver.Input{
		Platform:           event.Platform,
		ExternalAccountID:  event.ExternalAccountID,
		ExternalCustomerID: event.ExternalCustomerID,
		CustomerName:       event.CustomerName,
	})
	if err != nil {
		if errors.Is(err, resolver.ErrUnknownAccount) {
			h.logger.Warn("inbound for unlinked account",
				"platform", platformName,
				"external_account_id", event.ExternalAccountID)
			writeError(w, http.StatusNotFound, "no linked account")
			return
		}
		h.logger.Error("identity resolution failed", "platform", platformName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var externalID *string
	if event.ExternalMessageID != "" {
		externalID = &event.ExternalMessageID
	}
	msg, created, err := h.ledger.Append(r.Context(), ledger.AppendInput{
		ConversationID:     res.Conversation.ID,
		SenderType:         store.SenderCustomer,
		Content:            event.Body,
		ExternalID:         externalID,
		Status:             store.StatusReceived,
		SentAt:             event.SentAt,
		ConversationStatus: res.Conversation.Status,
		Reopened:           res.Reopened,
	})
	if err != nil {
		h.logger.Error("recording inbound message", "platform", platformName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if event.ExternalMessageID != "" {
		h.cache.Mark(key)
	}

	writeJSON(w, http.StatusOK, inboundResponse{
		Accepted:  true,
		Duplicate: !created,
		MessageID: msg.ID,
	})
}

// handleStatus processes delivery-status callbacks for platforms that post
// them. Unknown message ids and no-op callbacks are acknowledged: platforms
// retry status callbacks just like messages, and there is nothing for them
// to fix.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	platformName := r.PathValue("platform")
	adapter, err := h.registry.Lookup(platformName)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}

	notifier, ok := adapter.(platform.StatusNotifier)
	if !ok {
		writeError(w, http.StatusNotFound, "platform has no status callbacks")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	status, err := notifier.ParseStatus(payload, r.Header)
	if err != nil {
		var pe *platform.ParseError
		if errors.As(err, &pe) {
			h.logger.Warn("rejected status payload",
				"platform", platformName,
				"reason", pe.Reason)
			writeError(w, http.StatusBadRequest, "unprocessable payload")
			return
		}
		h.logger.Error("status parse failed", "platform", platformName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if status == nil {
		// Authentic callback with no transition to apply
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
		return
	}

	h.applyStatus(w, r, platformName, status)
}

func (h *Handler) applyStatus(w http.ResponseWriter, r *http.Request, platformName string, status *platform.StatusEvent) {
	msg, err := h.ledger.FindByPlatformMessageID(r.Context(), status.ExternalMessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Debug("status callback for unknown message",
				"platform", platformName,
				"external_id", status.ExternalMessageID)
			writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
			return
		}
		h.logger.Error("looking up message for status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	target := store.StatusDelivered
	if !status.Delivered {
		target = store.StatusFailed
	}
	if _, err := h.ledger.Transition(r.Context(), msg.ID, target); err != nil {
		if errors.Is(err, ledger.ErrInvariantViolation) {
			// Late or repeated callback against a finalized message; nothing
			// to change.
			writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
			return
		}
		h.logger.Error("applying status transition", "message_id", msg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
