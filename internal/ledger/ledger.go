// ABOUTME: Append-only message ledger with the delivery-status state machine
// ABOUTME: Sole writer of message rows; publishes created and status-changed events

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/events"
	"github.com/relaydesk/relaydesk/internal/store"
)

// ErrInvariantViolation marks an illegal status transition or a cross-tenant
// access. These are programming errors or tampered requests, never conditions
// a retry can fix.
var ErrInvariantViolation = errors.New("invariant violation")

// legalTransitions is the complete status machine. "received" and the two
// terminal outbound states have no outgoing edges.
var legalTransitions = map[string]map[string]bool{
	store.StatusPending: {
		store.StatusSent:   true,
		store.StatusFailed: true,
	},
	store.StatusSent: {
		store.StatusDelivered: true,
		store.StatusFailed:    true,
	},
}

// Ledger owns message rows: every insert and every status change goes through
// it, so the state machine and the event publishes cannot drift apart.
type Ledger struct {
	store  store.Store
	sink   events.Sink
	logger *slog.Logger
}

// New creates a Ledger. Pass nil logger for default.
func New(s store.Store, sink events.Sink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		sink:   sink,
		logger: logger.With("component", "ledger"),
	}
}

// AppendInput describes one message to record.
type AppendInput struct {
	ConversationID string
	SenderType     string
	Content        string
	// ExternalID is the platform's message id; nil for outbound messages
	// that have not been dispatched yet.
	ExternalID *string
	// Status is the initial status: "received" for inbound, "pending" for
	// outbound.
	Status string
	// SentAt is the message timestamp; zero means now.
	SentAt time.Time
	// ConversationStatus and Reopened are snapshots riding the
	// message.created event so viewers see a reopen in the same publish.
	ConversationStatus string
	Reopened           bool
}

// Append records a message. Redelivery of an inbound message with an already
// seen (conversation, external id) pair returns the existing row with
// created=false and no side effects: the ledger stays append-once no matter
// how many times a platform retries the webhook.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*store.Message, bool, error) {
	createdAt := in.SentAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		SenderType:     in.SenderType,
		Content:        in.Content,
		ExternalID:     in.ExternalID,
		Status:         in.Status,
		CreatedAt:      createdAt,
	}

	if err := l.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) && in.ExternalID != nil {
			existing, lookupErr := l.store.GetMessageByExternalID(ctx, in.ConversationID, *in.ExternalID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("re-fetching message after conflict: %w", lookupErr)
			}
			l.logger.Debug("duplicate message suppressed",
				"conversation_id", in.ConversationID,
				"external_id", *in.ExternalID)
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("inserting message: %w", err)
	}

	if err := l.store.TouchConversation(ctx, in.ConversationID, createdAt); err != nil {
		return nil, false, fmt.Errorf("advancing conversation activity: %w", err)
	}

	l.publish(&events.Event{
		ID:                 uuid.New().String(),
		Type:               events.MessageCreated,
		ConversationID:     in.ConversationID,
		ConversationStatus: in.ConversationStatus,
		Reopened:           in.Reopened,
		Message:            msg,
		OccurredAt:         time.Now(),
	})

	l.logger.Info("message appended",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender", msg.SenderType,
		"status", msg.Status)
	return msg, true, nil
}

// Transition moves a message to a new status. Only the edges of the status
// machine are allowed; anything else is an ErrInvariantViolation. The update
// is a compare-and-swap on the current status, so two racers cannot both
// claim the same edge.
func (l *Ledger) Transition(ctx context.Context, messageID, to string) (*store.Message, error) {
	for {
		msg, err := l.store.GetMessage(ctx, messageID)
		if err != nil {
			return nil, fmt.Errorf("loading message %s: %w", messageID, err)
		}

		if !legalTransitions[msg.Status][to] {
			return nil, fmt.Errorf("%w: message %s cannot move %s -> %s",
				ErrInvariantViolation, messageID, msg.Status, to)
		}

		swapped, err := l.store.TransitionMessageStatus(ctx, messageID, msg.Status, to)
		if err != nil {
			return nil, fmt.Errorf("transitioning message %s: %w", messageID, err)
		}
		if !swapped {
			// Someone else moved the message first; re-read and re-judge
			// from the new status.
			continue
		}

		msg.Status = to

		if to == store.StatusDelivered {
			if err := l.store.TouchConversation(ctx, msg.ConversationID, time.Now()); err != nil {
				return nil, fmt.Errorf("advancing conversation activity: %w", err)
			}
		}

		l.publish(&events.Event{
			ID:             uuid.New().String(),
			Type:           events.MessageStatusChanged,
			ConversationID: msg.ConversationID,
			Message:        msg,
			OccurredAt:     time.Now(),
		})

		l.logger.Info("message status changed",
			"id", messageID,
			"status", to)
		return msg, nil
	}
}

// SetSent applies the pending→sent move together with the platform's message
// id, so delivery-status callbacks can find the row later.
func (l *Ledger) SetSent(ctx context.Context, messageID, platformMessageID string) (*store.Message, error) {
	if platformMessageID != "" {
		if err := l.store.SetMessageExternalID(ctx, messageID, platformMessageID); err != nil {
			return nil, fmt.Errorf("recording platform message id: %w", err)
		}
	}
	return l.Transition(ctx, messageID, store.StatusSent)
}

// FindByPlatformMessageID locates the newest message carrying the platform's
// message id, for delivery-status callbacks that only quote that id.
func (l *Ledger) FindByPlatformMessageID(ctx context.Context, externalID string) (*store.Message, error) {
	return l.store.FindMessageByExternalID(ctx, externalID)
}

func (l *Ledger) publish(event *events.Event) {
	if l.sink == nil {
		return
	}
	l.sink.Publish(event.ConversationID, event)
}
