// ABOUTME: Tests for per-conversation serial dispatch, retry and halt/resume
// ABOUTME: Uses a scriptable fake adapter against a real SQLite store

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/ledger"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
)

type sendOutcome struct {
	result *platform.DispatchResult
	err    error
}

// fakeAdapter consumes scripted outcomes per send; once the script runs out,
// every send succeeds.
type fakeAdapter struct {
	mu     sync.Mutex
	script []sendOutcome
	sends  []string
}

func (f *fakeAdapter) Platform() string { return "fake" }

func (f *fakeAdapter) ParseInbound(payload []byte, header http.Header) (*platform.InboundEvent, error) {
	return nil, platform.NewParseError("not supported in tests", nil)
}

func (f *fakeAdapter) SendOutbound(ctx context.Context, acct *store.LinkedAccount, recipient, content string) (*platform.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, content)
	if len(f.script) > 0 {
		out := f.script[0]
		f.script = f.script[1:]
		return out.result, out.err
	}
	return &platform.DispatchResult{ExternalMessageID: fmt.Sprintf("ext-%d", len(f.sends))}, nil
}

func (f *fakeAdapter) pushOutcome(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, sendOutcome{err: err})
}

func (f *fakeAdapter) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	copy(out, f.sends)
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.SQLiteStore, *fakeAdapter) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := &fakeAdapter{}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(fake))

	led := ledger.New(s, nil, nil)
	coord := New(s, led, registry, Config{
		SendTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, nil)
	t.Cleanup(coord.Close)
	return coord, s, fake
}

func seedConversation(t *testing.T, s *store.SQLiteStore, convID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.GetOperator(ctx, "op-1"); err != nil {
		require.NoError(t, s.CreateOperator(ctx, &store.Operator{
			ID: "op-1", DisplayName: "Test Operator", CreatedAt: now,
		}))
		require.NoError(t, s.CreateLinkedAccount(ctx, &store.LinkedAccount{
			ID: "acct-1", OwnerUserID: "op-1", Platform: "fake",
			ExternalAccountID: "acct-ext-1", CreatedAt: now,
		}))
	}
	custID := "cust-" + convID
	require.NoError(t, s.CreateCustomer(ctx, &store.Customer{
		ID: custID, OwnerUserID: "op-1", Platform: "fake",
		ExternalCustomerID: "ext-" + custID, CreatedAt: now,
	}))
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{
		ID: convID, OwnerUserID: "op-1", LinkedAccountID: "acct-1",
		CustomerID: custID, Status: store.ConversationOpen,
		LastMessageAt: now, CreatedAt: now,
	}))
}

// waitForStatus polls until the message reaches the wanted status.
func waitForStatus(t *testing.T, s *store.SQLiteStore, messageID, want string) *store.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := s.GetMessage(context.Background(), messageID)
		require.NoError(t, err)
		if msg.Status == want {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	msg, _ := s.GetMessage(context.Background(), messageID)
	t.Fatalf("message %s never reached %s, stuck at %s", messageID, want, msg.Status)
	return nil
}

func TestEnqueue_DeliversInOrder(t *testing.T) {
	coord, s, fake := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"first", "second", "third"} {
		msg, err := coord.Enqueue(ctx, "op-1", "conv-1", content)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, msg.Status)
		ids = append(ids, msg.ID)
	}

	for _, id := range ids {
		waitForStatus(t, s, id, store.StatusSent)
	}
	assert.Equal(t, []string{"first", "second", "third"}, fake.sentContents())
}

func TestEnqueue_CrossTenantRejected(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")

	_, err := coord.Enqueue(context.Background(), "op-other", "conv-1", "hi")
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	count, err := s.CountMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEnqueue_UnknownConversation(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.Enqueue(context.Background(), "op-1", "conv-missing", "hi")
	assert.Error(t, err)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	coord, s, fake := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")

	fake.pushOutcome(platform.NewTransientSendError(fmt.Errorf("rate limited")))
	fake.pushOutcome(platform.NewTransientSendError(fmt.Errorf("rate limited")))

	msg, err := coord.Enqueue(context.Background(), "op-1", "conv-1", "retry me")
	require.NoError(t, err)

	final := waitForStatus(t, s, msg.ID, store.StatusSent)
	assert.Equal(t, 3, final.Attempts)
}

func TestPermanentFailure_FailsAndContinues(t *testing.T) {
	coord, s, fake := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")
	ctx := context.Background()

	fake.pushOutcome(platform.NewPermanentSendError(fmt.Errorf("invalid recipient")))

	first, err := coord.Enqueue(ctx, "op-1", "conv-1", "doomed")
	require.NoError(t, err)
	second, err := coord.Enqueue(ctx, "op-1", "conv-1", "fine")
	require.NoError(t, err)

	failed := waitForStatus(t, s, first.ID, store.StatusFailed)
	assert.Equal(t, 1, failed.Attempts, "permanent failures are not retried")

	// The next message goes out without operator intervention
	waitForStatus(t, s, second.ID, store.StatusSent)
}

func TestExhaustion_HaltsUntilResume(t *testing.T) {
	coord, s, fake := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fake.pushOutcome(platform.NewTransientSendError(fmt.Errorf("unreachable")))
	}

	first, err := coord.Enqueue(ctx, "op-1", "conv-1", "exhausted")
	require.NoError(t, err)
	second, err := coord.Enqueue(ctx, "op-1", "conv-1", "queued behind")
	require.NoError(t, err)

	failed := waitForStatus(t, s, first.ID, store.StatusFailed)
	assert.Equal(t, 3, failed.Attempts)

	// The worker is halted: the queued message stays pending
	time.Sleep(50 * time.Millisecond)
	msg, err := s.GetMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, msg.Status)

	require.NoError(t, coord.Resume("conv-1"))
	waitForStatus(t, s, second.ID, store.StatusSent)
}

func TestResume_NotHalted(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")

	// No worker at all
	assert.ErrorIs(t, coord.Resume("conv-1"), ErrNotHalted)

	// Running worker, not halted
	msg, err := coord.Enqueue(context.Background(), "op-1", "conv-1", "hi")
	require.NoError(t, err)
	waitForStatus(t, s, msg.ID, store.StatusSent)
	assert.ErrorIs(t, coord.Resume("conv-1"), ErrNotHalted)
}

// gatedAdapter blocks every send until a token arrives on gate.
type gatedAdapter struct {
	fakeAdapter
	gate chan struct{}
}

func (g *gatedAdapter) SendOutbound(ctx context.Context, acct *store.LinkedAccount, recipient, content string) (*platform.DispatchResult, error) {
	<-g.gate
	return g.fakeAdapter.SendOutbound(ctx, acct, recipient, content)
}

func TestSlowDeliveryFinalizesBeforeNextStarts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	gated := &gatedAdapter{gate: make(chan struct{})}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(gated))

	led := ledger.New(s, nil, nil)
	coord := New(s, led, registry, Config{
		SendTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, nil)
	t.Cleanup(coord.Close)

	seedConversation(t, s, "conv-1")
	ctx := context.Background()

	first, err := coord.Enqueue(ctx, "op-1", "conv-1", "slow one")
	require.NoError(t, err)
	second, err := coord.Enqueue(ctx, "op-1", "conv-1", "waits its turn")
	require.NoError(t, err)

	// While the first send is held inside the adapter, the second message
	// must not start
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gated.sentContents())
	msg, err := s.GetMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, msg.Status)

	gated.gate <- struct{}{}
	waitForStatus(t, s, first.ID, store.StatusSent)

	// The second send begins only now
	gated.gate <- struct{}{}
	waitForStatus(t, s, second.ID, store.StatusSent)
	assert.Equal(t, []string{"slow one", "waits its turn"}, gated.sentContents())
}

// flakyStore fails SetMessageExternalID a scripted number of times before
// delegating, standing in for transient storage contention.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	failsLeft int
}

func (f *flakyStore) SetMessageExternalID(ctx context.Context, id, externalID string) error {
	f.mu.Lock()
	if f.failsLeft > 0 {
		f.failsLeft--
		f.mu.Unlock()
		return fmt.Errorf("transient storage failure")
	}
	f.mu.Unlock()
	return f.Store.SetMessageExternalID(ctx, id, externalID)
}

func TestDeliveredMessageRecordedDespiteStorageHiccup(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	flaky := &flakyStore{Store: s, failsLeft: 2}
	fake := &fakeAdapter{}
	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(fake))

	led := ledger.New(flaky, nil, nil)
	coord := New(flaky, led, registry, Config{
		SendTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, nil)
	t.Cleanup(coord.Close)

	seedConversation(t, s, "conv-1")

	msg, err := coord.Enqueue(context.Background(), "op-1", "conv-1", "hello")
	require.NoError(t, err)

	// The adapter delivered on the first try; the sent record must survive
	// the storage hiccups instead of leaving the row pending forever
	final := waitForStatus(t, s, msg.ID, store.StatusSent)
	assert.Equal(t, 1, final.Attempts)
	require.NotNil(t, final.ExternalID)
}

func TestConversationsDispatchIndependently(t *testing.T) {
	coord, s, fake := newTestCoordinator(t)
	seedConversation(t, s, "conv-1")
	seedConversation(t, s, "conv-2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fake.pushOutcome(platform.NewTransientSendError(fmt.Errorf("unreachable")))
	}

	blocked, err := coord.Enqueue(ctx, "op-1", "conv-1", "stuck")
	require.NoError(t, err)
	waitForStatus(t, s, blocked.ID, store.StatusFailed)

	// conv-1's halt does not affect conv-2
	other, err := coord.Enqueue(ctx, "op-1", "conv-2", "independent")
	require.NoError(t, err)
	waitForStatus(t, s, other.ID, store.StatusSent)
}
