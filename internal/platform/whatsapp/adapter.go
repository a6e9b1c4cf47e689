// ABOUTME: WhatsApp adapter backed by Twilio's messaging API
// ABOUTME: Parses form-encoded webhooks with X-Twilio-Signature validation and sends via the Messages endpoint

package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
)

const (
	// PlatformName is the registry discriminator for this adapter.
	PlatformName = "whatsapp"

	// addressPrefix is Twilio's channel prefix on From/To numbers.
	addressPrefix = "whatsapp:"

	apiBase = "https://api.twilio.com/2010-04-01"
)

// Config holds the Twilio credentials and the public webhook URL the
// signature is computed against.
type Config struct {
	AccountSID string
	AuthToken  string
	// WebhookURL is the externally visible URL Twilio posts to. Twilio signs
	// the full URL plus the sorted form parameters.
	WebhookURL string
}

// Adapter implements platform.Adapter and platform.StatusNotifier for
// WhatsApp conversations relayed through Twilio.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a WhatsApp adapter. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "whatsapp"),
	}
}

// Platform returns the registry discriminator.
func (a *Adapter) Platform() string { return PlatformName }

// ParseInbound validates the Twilio signature and extracts the normalized
// event from the form-encoded webhook body.
func (a *Adapter) ParseInbound(payload []byte, header http.Header) (*platform.InboundEvent, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, platform.NewParseError("malformed form body", err)
	}

	if err := a.verifySignature(values, header.Get("X-Twilio-Signature")); err != nil {
		return nil, platform.NewParseError("signature verification failed", err)
	}

	from := values.Get("From") // whatsapp:+1555... (the customer)
	to := values.Get("To")     // whatsapp:+1777... (our linked number)
	body := values.Get("Body")
	messageSID := values.Get("MessageSid")

	if from == "" || to == "" || messageSID == "" {
		return nil, platform.NewParseError("missing From, To or MessageSid", nil)
	}

	ev := &platform.InboundEvent{
		Platform:           PlatformName,
		ExternalAccountID:  strings.TrimPrefix(to, addressPrefix),
		ExternalCustomerID: strings.TrimPrefix(from, addressPrefix),
		CustomerName:       values.Get("ProfileName"),
		Body:               body,
		ExternalMessageID:  messageSID,
		SentAt:             time.Now(),
	}

	// Twilio enumerates media as MediaUrl0..MediaUrlN
	for i := 0; ; i++ {
		mediaURL := values.Get(fmt.Sprintf("MediaUrl%d", i))
		if mediaURL == "" {
			break
		}
		ev.Attachments = append(ev.Attachments, platform.Attachment{
			URL:         mediaURL,
			ContentType: values.Get(fmt.Sprintf("MediaContentType%d", i)),
		})
	}

	return ev, nil
}

// verifySignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the
// webhook URL concatenated with the sorted parameter names and values.
func (a *Adapter) verifySignature(values url.Values, signature string) error {
	if signature == "" {
		return errors.New("missing X-Twilio-Signature header")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(a.cfg.WebhookURL)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(values.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(a.cfg.AuthToken))
	mac.Write([]byte(buf.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// twilioMessageResponse is the subset of Twilio's create-message response
// the adapter needs.
type twilioMessageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendOutbound posts the reply to Twilio's Messages endpoint.
// HTTP 429 and 5xx map to transient errors, other 4xx to permanent.
func (a *Adapter) SendOutbound(ctx context.Context, acct *store.LinkedAccount, recipient, content string) (*platform.DispatchResult, error) {
	form := url.Values{}
	form.Set("From", addressPrefix+acct.ExternalAccountID)
	form.Set("To", addressPrefix+recipient)
	form.Set("Body", content)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", apiBase, a.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, platform.NewPermanentSendError(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)

	resp, err := a.client.Do(req)
	if err != nil {
		// Network failures and context timeouts are retryable
		return nil, platform.NewTransientSendError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, platform.NewTransientSendError(fmt.Errorf("reading response: %w", err))
	}

	var msg twilioMessageResponse
	if jsonErr := json.Unmarshal(respBody, &msg); jsonErr != nil && resp.StatusCode < 300 {
		return nil, platform.NewTransientSendError(fmt.Errorf("decoding response: %w", jsonErr))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, platform.NewTransientSendError(fmt.Errorf("twilio status %d: %s", resp.StatusCode, msg.Message))
	case resp.StatusCode >= 400:
		// Invalid recipient, revoked credentials, malformed request
		return nil, platform.NewPermanentSendError(fmt.Errorf("twilio status %d (code %d): %s", resp.StatusCode, msg.Code, msg.Message))
	}

	a.logger.Debug("message dispatched", "sid", msg.SID, "status", msg.Status)
	return &platform.DispatchResult{
		ExternalMessageID: msg.SID,
		Status:            msg.Status,
	}, nil
}

// ParseStatus handles Twilio's delivery-status callback (same form encoding
// and signature scheme as the inbound webhook).
func (a *Adapter) ParseStatus(payload []byte, header http.Header) (*platform.StatusEvent, error) {
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, platform.NewParseError("malformed form body", err)
	}
	if err := a.verifySignature(values, header.Get("X-Twilio-Signature")); err != nil {
		return nil, platform.NewParseError("signature verification failed", err)
	}

	messageSID := values.Get("MessageSid")
	status := values.Get("MessageStatus")
	if messageSID == "" || status == "" {
		return nil, platform.NewParseError("missing MessageSid or MessageStatus", nil)
	}

	switch status {
	case "delivered", "read":
		return &platform.StatusEvent{ExternalMessageID: messageSID, Delivered: true}, nil
	case "failed", "undelivered":
		return &platform.StatusEvent{ExternalMessageID: messageSID, Delivered: false}, nil
	default:
		// Intermediate states (queued, sending, sent) carry no transition;
		// acknowledge without an event.
		return nil, nil
	}
}

// Compile-time capability checks
var (
	_ platform.Adapter        = (*Adapter)(nil)
	_ platform.StatusNotifier = (*Adapter)(nil)
)
