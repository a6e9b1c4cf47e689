// ABOUTME: Tests for the WhatsApp adapter's webhook parsing
// ABOUTME: Covers Twilio signature checks, form extraction and status mapping

package whatsapp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/platform"
)

const (
	testAuthToken  = "test-auth-token"
	testWebhookURL = "https://relaydesk.example.com/webhooks/whatsapp"
)

func newTestAdapter() *Adapter {
	return New(Config{
		AccountSID: "AC123",
		AuthToken:  testAuthToken,
		WebhookURL: testWebhookURL,
	}, nil)
}

// sign computes the X-Twilio-Signature value for the given form values,
// mirroring Twilio's scheme: base64 HMAC-SHA1 over the URL plus sorted
// parameter names and values.
func sign(t *testing.T, values url.Values) string {
	t.Helper()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteString(testWebhookURL)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(values.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(testAuthToken))
	mac.Write([]byte(buf.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedHeader(t *testing.T, values url.Values) http.Header {
	t.Helper()
	header := http.Header{}
	header.Set("X-Twilio-Signature", sign(t, values))
	return header
}

func inboundForm() url.Values {
	return url.Values{
		"From":        {"whatsapp:+15557778888"},
		"To":          {"whatsapp:+15550001111"},
		"Body":        {"hello there"},
		"MessageSid":  {"SM123"},
		"ProfileName": {"Ada"},
	}
}

func TestParseInbound_Valid(t *testing.T) {
	a := newTestAdapter()
	form := inboundForm()

	ev, err := a.ParseInbound([]byte(form.Encode()), signedHeader(t, form))
	require.NoError(t, err)

	assert.Equal(t, PlatformName, ev.Platform)
	assert.Equal(t, "+15550001111", ev.ExternalAccountID, "channel prefix must be stripped")
	assert.Equal(t, "+15557778888", ev.ExternalCustomerID)
	assert.Equal(t, "Ada", ev.CustomerName)
	assert.Equal(t, "hello there", ev.Body)
	assert.Equal(t, "SM123", ev.ExternalMessageID)
}

func TestParseInbound_MissingSignature(t *testing.T) {
	a := newTestAdapter()
	form := inboundForm()

	_, err := a.ParseInbound([]byte(form.Encode()), http.Header{})
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseInbound_BadSignature(t *testing.T) {
	a := newTestAdapter()
	form := inboundForm()

	header := http.Header{}
	header.Set("X-Twilio-Signature", "bm90IGEgcmVhbCBzaWduYXR1cmU=")

	_, err := a.ParseInbound([]byte(form.Encode()), header)
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "signature")
}

func TestParseInbound_TamperedBody(t *testing.T) {
	a := newTestAdapter()
	form := inboundForm()
	header := signedHeader(t, form)

	form.Set("Body", "tampered")
	_, err := a.ParseInbound([]byte(form.Encode()), header)
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseInbound_MissingFields(t *testing.T) {
	a := newTestAdapter()
	form := url.Values{
		"From": {"whatsapp:+15557778888"},
		"Body": {"no recipient or sid"},
	}

	_, err := a.ParseInbound([]byte(form.Encode()), signedHeader(t, form))
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseInbound_Attachments(t *testing.T) {
	a := newTestAdapter()
	form := inboundForm()
	form.Set("MediaUrl0", "https://api.twilio.com/media/0")
	form.Set("MediaContentType0", "image/jpeg")
	form.Set("MediaUrl1", "https://api.twilio.com/media/1")
	form.Set("MediaContentType1", "audio/ogg")

	ev, err := a.ParseInbound([]byte(form.Encode()), signedHeader(t, form))
	require.NoError(t, err)
	require.Len(t, ev.Attachments, 2)
	assert.Equal(t, "https://api.twilio.com/media/0", ev.Attachments[0].URL)
	assert.Equal(t, "image/jpeg", ev.Attachments[0].ContentType)
	assert.Equal(t, "audio/ogg", ev.Attachments[1].ContentType)
}

func TestParseStatus_Mapping(t *testing.T) {
	a := newTestAdapter()

	cases := []struct {
		status    string
		wantEvent bool
		delivered bool
	}{
		{"delivered", true, true},
		{"read", true, true},
		{"failed", true, false},
		{"undelivered", true, false},
		{"queued", false, false},
		{"sending", false, false},
		{"sent", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			form := url.Values{
				"MessageSid":    {"SM123"},
				"MessageStatus": {tc.status},
			}
			ev, err := a.ParseStatus([]byte(form.Encode()), signedHeader(t, form))
			require.NoError(t, err)
			if !tc.wantEvent {
				assert.Nil(t, ev, "intermediate states carry no event")
				return
			}
			require.NotNil(t, ev)
			assert.Equal(t, "SM123", ev.ExternalMessageID)
			assert.Equal(t, tc.delivered, ev.Delivered)
		})
	}
}

func TestParseStatus_BadSignature(t *testing.T) {
	a := newTestAdapter()
	form := url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"delivered"},
	}

	_, err := a.ParseStatus([]byte(form.Encode()), http.Header{})
	var pe *platform.ParseError
	require.ErrorAs(t, err, &pe)
}
