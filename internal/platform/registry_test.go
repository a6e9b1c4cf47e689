// ABOUTME: Tests for the platform adapter registry
// ABOUTME: Covers registration, duplicate rejection and lookup

package platform

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/store"
)

type stubAdapter struct {
	name string
}

func (s stubAdapter) Platform() string { return s.name }

func (s stubAdapter) ParseInbound(payload []byte, header http.Header) (*InboundEvent, error) {
	return nil, NewParseError("stub", nil)
}

func (s stubAdapter) SendOutbound(ctx context.Context, acct *store.LinkedAccount, recipient, content string) (*DispatchResult, error) {
	return &DispatchResult{}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAdapter{name: "alpha"}))

	a, err := r.Lookup("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", a.Platform())
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAdapter{name: "alpha"}))
	assert.Error(t, r.Register(stubAdapter{name: "alpha"}))
}

func TestLookup_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("ghost")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestPlatforms(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAdapter{name: "alpha"}))
	require.NoError(t, r.Register(stubAdapter{name: "beta"}))

	assert.ElementsMatch(t, []string{"alpha", "beta"}, r.Platforms())
}
