// ABOUTME: Conversation-scoped event types and the Sink fan-out contract
// ABOUTME: message.created and message.status_changed are the only event kinds

package events

import (
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
)

// Event types published on the bus.
const (
	MessageCreated       = "message.created"
	MessageStatusChanged = "message.status_changed"
)

// Event is one conversation-scoped occurrence. message.created events carry
// the conversation status snapshot so a reopen triggered by the same inbound
// message is observable in the same publish.
type Event struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	ConversationID     string         `json:"conversation_id"`
	ConversationStatus string         `json:"conversation_status,omitempty"`
	Reopened           bool           `json:"reopened,omitempty"`
	Message            *store.Message `json:"message,omitempty"`
	OccurredAt         time.Time      `json:"occurred_at"`
}

// Sink receives every published event. The in-memory Broadcaster is always
// a sink; an AMQP mirror can be added for multi-instance deployments.
// Publish must not block: sinks drop or buffer on their own.
type Sink interface {
	Publish(conversationID string, event *Event)
}

// Fanout forwards each event to every configured sink.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(conversationID string, event *Event) {
	for _, s := range f {
		s.Publish(conversationID, event)
	}
}
