// ABOUTME: Normalized adapter contract between the core and external messaging platforms
// ABOUTME: Defines InboundEvent, DispatchResult and the ParseError/SendError taxonomy

package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
)

// ErrUnknownPlatform is returned by the registry for platforms without an adapter.
var ErrUnknownPlatform = errors.New("unknown platform")

// SendError kinds. Transient errors are retried with backoff; permanent
// errors fail the message immediately.
const (
	SendErrorTransient = "transient"
	SendErrorPermanent = "permanent"
)

// Attachment is a reference to media carried by a message.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// InboundEvent is a platform-agnostic inbound message, produced by an
// adapter from a raw webhook payload.
type InboundEvent struct {
	Platform           string
	ExternalAccountID  string // who received it (our side)
	ExternalCustomerID string // who sent it
	CustomerName       string // display-name hint, may be empty
	Body               string
	Attachments        []Attachment
	ExternalMessageID  string // platform-assigned message id, used for dedup
	SentAt             time.Time
}

// DispatchResult is the normalized outcome of a successful outbound send.
type DispatchResult struct {
	ExternalMessageID string
	Status            string // initial delivery status as reported by the platform
}

// StatusEvent is a normalized delivery-status callback.
type StatusEvent struct {
	ExternalMessageID string
	Delivered         bool // false means a late delivery failure
}

// ParseError indicates a malformed or unverifiable inbound payload. The
// ingress endpoint must not proceed to resolution when parsing fails.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError creates a ParseError with a reason and optional cause.
func NewParseError(reason string, err error) *ParseError {
	return &ParseError{Reason: reason, Err: err}
}

// SendError indicates a failed outbound send. Kind distinguishes retryable
// network/rate-limit failures from permanent ones (invalid recipient,
// revoked credentials).
type SendError struct {
	Kind string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send error (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient reports whether the error is a retryable SendError.
func (e *SendError) Transient() bool { return e.Kind == SendErrorTransient }

// NewTransientSendError wraps a retryable outbound failure.
func NewTransientSendError(err error) *SendError {
	return &SendError{Kind: SendErrorTransient, Err: err}
}

// NewPermanentSendError wraps a non-retryable outbound failure.
func NewPermanentSendError(err error) *SendError {
	return &SendError{Kind: SendErrorPermanent, Err: err}
}

// Adapter is implemented once per platform. It is the only boundary where
// the core touches platform-native payloads and APIs; adding a platform
// means implementing this contract and registering it, not editing a
// central dispatch switch.
type Adapter interface {
	// Platform returns the platform discriminator (e.g. "whatsapp").
	Platform() string

	// ParseInbound translates a raw webhook payload into an InboundEvent.
	// It must authenticate the payload (signature/secret) and return a
	// *ParseError for anything malformed or unverifiable.
	ParseInbound(payload []byte, header http.Header) (*InboundEvent, error)

	// SendOutbound delivers an agent reply to the customer through the
	// platform. Failures are reported as *SendError with a kind.
	SendOutbound(ctx context.Context, acct *store.LinkedAccount, recipient, content string) (*DispatchResult, error)
}

// StatusNotifier is an optional adapter capability for platforms that post
// delivery-status callbacks. Platforms without it simply leave outbound
// messages at "sent". A (nil, nil) return means the callback was authentic
// but carries no transition (intermediate states); the ingress acknowledges
// it without side effects.
type StatusNotifier interface {
	ParseStatus(payload []byte, header http.Header) (*StatusEvent, error)
}
