// ABOUTME: Telegram adapter using the Bot API webhook and send endpoints
// ABOUTME: Decodes Update JSON with tgbotapi types and checks the webhook secret token

package telegram

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
)

// PlatformName is the registry discriminator for this adapter.
const PlatformName = "telegram"

// secretTokenHeader carries the value set when registering the webhook.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Config holds the bot identity and webhook secret.
type Config struct {
	// BotID matches linked_accounts.external_account_id for this bot.
	// A Telegram webhook is registered per bot, so the update itself does
	// not repeat the receiving identity.
	BotID string
	// Token is the bot token used for outbound sends.
	Token string
	// WebhookSecret is compared against the secret-token header.
	WebhookSecret string
}

// Adapter implements platform.Adapter for Telegram bots. Telegram provides
// no delivery-status callback, so the StatusNotifier capability is absent
// and outbound messages rest at "sent".
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	// The Bot API client dials getMe on construction, so it is initialized
	// lazily on the first send rather than at wiring time.
	botOnce sync.Once
	bot     *tgbotapi.BotAPI
	botErr  error
}

// New creates a Telegram adapter. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("component", "telegram"),
	}
}

// Platform returns the registry discriminator.
func (a *Adapter) Platform() string { return PlatformName }

// ParseInbound checks the webhook secret and extracts the normalized event
// from the Update JSON.
func (a *Adapter) ParseInbound(payload []byte, header http.Header) (*platform.InboundEvent, error) {
	if a.cfg.WebhookSecret != "" {
		got := header.Get(secretTokenHeader)
		if !hmac.Equal([]byte(got), []byte(a.cfg.WebhookSecret)) {
			return nil, platform.NewParseError("secret token mismatch", nil)
		}
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, platform.NewParseError("malformed update JSON", err)
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil, platform.NewParseError("update carries no message", nil)
	}

	body := msg.Text
	if body == "" {
		body = msg.Caption
	}
	if body == "" && msg.Document == nil && msg.Photo == nil {
		return nil, platform.NewParseError("unsupported message kind", nil)
	}

	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name == "" {
		name = msg.From.UserName
	}

	return &platform.InboundEvent{
		Platform:           PlatformName,
		ExternalAccountID:  a.cfg.BotID,
		ExternalCustomerID: strconv.FormatInt(msg.Chat.ID, 10),
		CustomerName:       name,
		Body:               body,
		ExternalMessageID:  strconv.Itoa(msg.MessageID),
		SentAt:             time.Unix(int64(msg.Date), 0),
	}, nil
}

func (a *Adapter) ensureBot() (*tgbotapi.BotAPI, error) {
	a.botOnce.Do(func() {
		a.bot, a.botErr = tgbotapi.NewBotAPI(a.cfg.Token)
	})
	return a.bot, a.botErr
}

// SendOutbound delivers the reply through the Bot API. Rate limits and
// network failures map to transient errors; blocked bots and unknown chats
// to permanent ones.
func (a *Adapter) SendOutbound(ctx context.Context, acct *store.LinkedAccount, recipient, content string) (*platform.DispatchResult, error) {
	bot, err := a.ensureBot()
	if err != nil {
		return nil, platform.NewTransientSendError(fmt.Errorf("bot init: %w", err))
	}

	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return nil, platform.NewPermanentSendError(fmt.Errorf("invalid chat id %q: %w", recipient, err))
	}

	if err := ctx.Err(); err != nil {
		return nil, platform.NewTransientSendError(err)
	}

	sent, err := bot.Send(tgbotapi.NewMessage(chatID, content))
	if err != nil {
		return nil, classifySendError(err)
	}

	a.logger.Debug("message dispatched", "chat_id", chatID, "message_id", sent.MessageID)
	return &platform.DispatchResult{
		ExternalMessageID: strconv.Itoa(sent.MessageID),
		Status:            store.StatusSent,
	}, nil
}

// classifySendError maps Bot API failures onto the SendError taxonomy.
// The Bot API reports errors as strings, so classification is textual.
func classifySendError(err error) error {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429"):
		return platform.NewTransientSendError(err)
	case strings.Contains(errStr, "bot was blocked") ||
		strings.Contains(errStr, "chat not found") ||
		strings.Contains(errStr, "Unauthorized") ||
		strings.Contains(errStr, "user is deactivated"):
		return platform.NewPermanentSendError(err)
	default:
		return platform.NewTransientSendError(err)
	}
}

var _ platform.Adapter = (*Adapter)(nil)
