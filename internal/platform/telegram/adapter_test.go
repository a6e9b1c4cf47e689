// ABOUTME: Tests for the Telegram adapter's webhook parsing
// ABOUTME: Covers secret-token checks, Update extraction and error classification

package telegram

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/platform"
)

const testSecret = "webhook-secret"

func newTestAdapter() *Adapter {
	return New(Config{
		BotID:         "bot-123",
		Token:         "123:abc",
		WebhookSecret: testSecret,
	}, nil)
}

func secretHeader(value string) http.Header {
	header := http.Header{}
	header.Set("X-Telegram-Bot-Api-Secret-Token", value)
	return header
}

func updateJSON(text string) []byte {
	return []byte(fmt.Sprintf(`{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"date": 1700000000,
			"text": %q,
			"from": {"id": 99, "first_name": "Ada", "last_name": "Lovelace"},
			"chat": {"id": 555, "type": "private"}
		}
	}`, text))
}

func TestParseInbound_Valid(t *testing.T) {
	a := newTestAdapter()

	ev, err := a.ParseInbound(updateJSON("hello"), secretHeader(testSecret))
	require.NoError(t, err)

	assert.Equal(t, PlatformName, ev.Platform)
	assert.Equal(t, "bot-123", ev.ExternalAccountID, "account comes from config, not the update")
	assert.Equal(t, "555", ev.ExternalCustomerID)
	assert.Equal(t, "Ada Lovelace", ev.CustomerName)
	assert.Equal(t, "hello", ev.Body)
	assert.Equal(t, "42", ev.ExternalMessageID)
}

func TestParseInbound_SecretMismatch(t *testing.T) {
	a := newTestAdapter()

	_, err := a.ParseInbound(updateJSON("hello"), secretHeader("wrong"))
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "secret")

	_, err = a.ParseInbound(updateJSON("hello"), http.Header{})
	require.ErrorAs(t, err, &pe)
}

func TestParseInbound_NoSecretConfigured(t *testing.T) {
	a := New(Config{BotID: "bot-123", Token: "123:abc"}, nil)

	// Without a configured secret the header is not required
	_, err := a.ParseInbound(updateJSON("hello"), http.Header{})
	require.NoError(t, err)
}

func TestParseInbound_MalformedJSON(t *testing.T) {
	a := newTestAdapter()

	_, err := a.ParseInbound([]byte("{not json"), secretHeader(testSecret))
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseInbound_NoMessage(t *testing.T) {
	a := newTestAdapter()

	// Edited messages, channel posts etc. carry no message field
	_, err := a.ParseInbound([]byte(`{"update_id": 1}`), secretHeader(testSecret))
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseInbound_UsernameFallback(t *testing.T) {
	a := newTestAdapter()
	payload := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"date": 1700000000,
			"text": "hi",
			"from": {"id": 99, "username": "ada_l"},
			"chat": {"id": 555, "type": "private"}
		}
	}`)

	ev, err := a.ParseInbound(payload, secretHeader(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "ada_l", ev.CustomerName)
}

func TestParseInbound_CaptionAsBody(t *testing.T) {
	a := newTestAdapter()
	payload := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"date": 1700000000,
			"caption": "look at this",
			"photo": [{"file_id": "f1", "width": 100, "height": 100}],
			"from": {"id": 99, "first_name": "Ada"},
			"chat": {"id": 555, "type": "private"}
		}
	}`)

	ev, err := a.ParseInbound(payload, secretHeader(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "look at this", ev.Body)
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limit", errors.New("Too Many Requests: retry after 30"), true},
		{"blocked bot", errors.New("Forbidden: bot was blocked by the user"), false},
		{"unknown chat", errors.New("Bad Request: chat not found"), false},
		{"revoked token", errors.New("Unauthorized"), false},
		{"deactivated user", errors.New("Forbidden: user is deactivated"), false},
		{"network failure", errors.New("connection reset by peer"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifySendError(tc.err)
			var se *platform.SendError
			require.ErrorAs(t, classified, &se)
			assert.Equal(t, tc.transient, se.Transient())
		})
	}
}
