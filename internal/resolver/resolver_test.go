// ABOUTME: Tests for identity resolution against a real SQLite store
// ABOUTME: Covers first-contact creation, convergence under races and reopen

package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func seedLinkedAccount(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateOperator(ctx, &store.Operator{
		ID:          "op-1",
		DisplayName: "Test Operator",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seeding operator: %v", err)
	}
	if err := s.CreateLinkedAccount(ctx, &store.LinkedAccount{
		ID:                "acct-1",
		OwnerUserID:       "op-1",
		Platform:          "whatsapp",
		ExternalAccountID: "+15550001111",
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seeding linked account: %v", err)
	}
}

func TestResolve_UnknownAccount(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), Input{
		Platform:           "whatsapp",
		ExternalAccountID:  "+15559999999",
		ExternalCustomerID: "+15557778888",
	})
	if !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestResolve_FirstContactCreatesChain(t *testing.T) {
	r, s := newTestResolver(t)
	seedLinkedAccount(t, s)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Input{
		Platform:           "whatsapp",
		ExternalAccountID:  "+15550001111",
		ExternalCustomerID: "+15557778888",
		CustomerName:       "Ada",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Account.ID != "acct-1" {
		t.Errorf("expected account acct-1, got %s", res.Account.ID)
	}
	if res.Customer.OwnerUserID != "op-1" || res.Customer.DisplayName != "Ada" {
		t.Errorf("unexpected customer: %+v", res.Customer)
	}
	if res.Conversation.Status != store.ConversationOpen {
		t.Errorf("expected open conversation, got %s", res.Conversation.Status)
	}
	if res.Reopened {
		t.Error("fresh conversation must not report reopened")
	}

	// Rows are visible through the store
	cust, err := s.GetCustomerByExternalID(ctx, "op-1", "whatsapp", "+15557778888")
	if err != nil {
		t.Fatalf("GetCustomerByExternalID failed: %v", err)
	}
	if cust.ID != res.Customer.ID {
		t.Errorf("customer row mismatch: %s vs %s", cust.ID, res.Customer.ID)
	}
}

func TestResolve_RepeatContactConverges(t *testing.T) {
	r, s := newTestResolver(t)
	seedLinkedAccount(t, s)
	ctx := context.Background()

	in := Input{
		Platform:           "whatsapp",
		ExternalAccountID:  "+15550001111",
		ExternalCustomerID: "+15557778888",
		CustomerName:       "Ada",
	}

	first, err := r.Resolve(ctx, in)
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	// Later deliveries carry a different display name; the seed wins
	in.CustomerName = "Ada L."
	second, err := r.Resolve(ctx, in)
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if second.Customer.ID != first.Customer.ID {
		t.Errorf("customer diverged: %s vs %s", second.Customer.ID, first.Customer.ID)
	}
	if second.Customer.DisplayName != "Ada" {
		t.Errorf("display name overwritten to %s", second.Customer.DisplayName)
	}
	if second.Conversation.ID != first.Conversation.ID {
		t.Errorf("conversation diverged: %s vs %s", second.Conversation.ID, first.Conversation.ID)
	}
}

func TestResolve_ConcurrentDeliveriesConverge(t *testing.T) {
	r, s := newTestResolver(t)
	seedLinkedAccount(t, s)
	ctx := context.Background()

	in := Input{
		Platform:           "whatsapp",
		ExternalAccountID:  "+15550001111",
		ExternalCustomerID: "+15557778888",
		CustomerName:       "Ada",
	}

	const n = 8
	results := make([]*Resolution, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(ctx, in)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Resolve %d failed: %v", i, errs[i])
		}
	}
	for i := 1; i < n; i++ {
		if results[i].Customer.ID != results[0].Customer.ID {
			t.Errorf("customer %d diverged: %s vs %s", i, results[i].Customer.ID, results[0].Customer.ID)
		}
		if results[i].Conversation.ID != results[0].Conversation.ID {
			t.Errorf("conversation %d diverged: %s vs %s", i, results[i].Conversation.ID, results[0].Conversation.ID)
		}
	}
}

func TestResolve_ReopensClosedConversation(t *testing.T) {
	r, s := newTestResolver(t)
	seedLinkedAccount(t, s)
	ctx := context.Background()

	in := Input{
		Platform:           "whatsapp",
		ExternalAccountID:  "+15550001111",
		ExternalCustomerID: "+15557778888",
		CustomerName:       "Ada",
	}

	first, err := r.Resolve(ctx, in)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := s.SetConversationStatus(ctx, first.Conversation.ID, store.ConversationClosed); err != nil {
		t.Fatalf("SetConversationStatus failed: %v", err)
	}

	res, err := r.Resolve(ctx, in)
	if err != nil {
		t.Fatalf("Resolve after close failed: %v", err)
	}
	if !res.Reopened {
		t.Error("expected reopened to be true")
	}
	if res.Conversation.Status != store.ConversationOpen {
		t.Errorf("expected open, got %s", res.Conversation.Status)
	}

	// A second inbound against the already-open conversation does not
	// report the reopen again
	res, err = r.Resolve(ctx, in)
	if err != nil {
		t.Fatalf("third Resolve failed: %v", err)
	}
	if res.Reopened {
		t.Error("reopened must be reported exactly once")
	}
}
