// ABOUTME: Per-conversation serial dispatch of outbound messages with retry
// ABOUTME: One worker goroutine per conversation drains a FIFO in strict order

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/ledger"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
)

// ErrNotHalted is returned by Resume when there is no halted worker for
// the conversation.
var ErrNotHalted = errors.New("no halted worker for conversation")

// Config tunes the retry behavior of every worker.
type Config struct {
	// SendTimeout bounds one adapter invocation. A timeout counts as a
	// transient failure.
	SendTimeout time.Duration
	// MaxAttempts is the total number of adapter invocations per message
	// before it is failed.
	MaxAttempts int
	// BackoffBase is the delay before the second attempt; it doubles per
	// retry.
	BackoffBase time.Duration
}

// DefaultConfig matches the documented retry policy: three attempts,
// one-second base backoff, thirty-second send timeout.
func DefaultConfig() Config {
	return Config{
		SendTimeout: 30 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}
}

func (c *Config) normalize() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
}

// Coordinator routes outbound messages to per-conversation workers. Within
// one conversation, messages go out strictly in enqueue order and a message
// is finalized (sent or failed) before the next one starts. Across
// conversations, workers are independent.
//
// The worker map is in-process: running more than one instance against the
// same database would break the ordering guarantee.
type Coordinator struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *platform.Registry
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	wg sync.WaitGroup
}

// New creates a dispatch coordinator.
func New(s store.Store, l *ledger.Ledger, reg *platform.Registry, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    s,
		ledger:   l,
		registry: reg,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		workers:  make(map[string]*worker),
	}
}

// Enqueue records an agent reply as pending and hands it to the
// conversation's worker. It returns as soon as the row is written; delivery
// happens asynchronously. A conversation owned by a different operator is an
// invariant violation.
func (c *Coordinator) Enqueue(ctx context.Context, ownerUserID, conversationID, content string) (*store.Message, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.OwnerUserID != ownerUserID {
		return nil, fmt.Errorf("%w: conversation %s does not belong to operator %s",
			ledger.ErrInvariantViolation, conversationID, ownerUserID)
	}

	msg, _, err := c.ledger.Append(ctx, ledger.AppendInput{
		ConversationID:     conversationID,
		SenderType:         store.SenderAgent,
		Content:            content,
		Status:             store.StatusPending,
		ConversationStatus: conv.Status,
	})
	if err != nil {
		return nil, err
	}

	c.workerFor(conversationID).enqueue(msg.ID)
	return msg, nil
}

// Resume restarts a conversation's worker after a retry-exhaustion halt. The
// halted queue is preserved; delivery picks up at the next queued message.
func (c *Coordinator) Resume(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workers[conversationID]
	if !ok || !w.halted() {
		return fmt.Errorf("%w: %s", ErrNotHalted, conversationID)
	}
	w.resume()
	c.logger.Info("worker resumed", "conversation_id", conversationID)
	return nil
}

// Close stops accepting work and waits for in-flight sends to finish.
// Queued-but-unsent messages stay pending in the store.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, w := range c.workers {
		w.stop()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Coordinator) workerFor(conversationID string) *worker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.workers[conversationID]; ok {
		return w
	}
	w := newWorker(c, conversationID)
	c.workers[conversationID] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run()
	}()
	return w
}

// deliver pushes one message through the adapter with retry. It returns true
// when the worker should halt (retries exhausted).
func (c *Coordinator) deliver(ctx context.Context, conversationID, messageID string) bool {
	log := c.logger.With("conversation_id", conversationID, "message_id", messageID)

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		log.Error("loading conversation", "error", err)
		c.fail(ctx, messageID, log)
		return false
	}
	acct, err := c.store.GetLinkedAccount(ctx, conv.LinkedAccountID)
	if err != nil {
		log.Error("loading linked account", "error", err)
		c.fail(ctx, messageID, log)
		return false
	}
	customer, err := c.store.GetCustomer(ctx, conv.CustomerID)
	if err != nil {
		log.Error("loading customer", "error", err)
		c.fail(ctx, messageID, log)
		return false
	}
	adapter, err := c.registry.Lookup(acct.Platform)
	if err != nil {
		log.Error("resolving adapter", "platform", acct.Platform, "error", err)
		c.fail(ctx, messageID, log)
		return false
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		log.Error("loading message", "error", err)
		return false
	}

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.store.IncrementMessageAttempts(ctx, messageID); err != nil {
			log.Error("recording attempt", "error", err)
		}

		result, sendErr := c.send(ctx, adapter, acct, customer.ExternalCustomerID, msg.Content)
		if sendErr == nil {
			c.markSent(ctx, messageID, result.ExternalMessageID, log)
			log.Info("message delivered to platform",
				"platform", acct.Platform,
				"attempts", attempt)
			return false
		}

		var se *platform.SendError
		if errors.As(sendErr, &se) && !se.Transient() {
			log.Warn("permanent send failure", "error", sendErr)
			c.fail(ctx, messageID, log)
			return false
		}

		log.Warn("transient send failure",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"error", sendErr)

		if attempt == c.cfg.MaxAttempts {
			break
		}
		backoff := c.cfg.BackoffBase << (attempt - 1)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}

	c.fail(ctx, messageID, log)
	log.Error("retries exhausted, halting conversation dispatch")
	return true
}

// sentRecordAttempts bounds the retries for recording a successful send.
const sentRecordAttempts = 5

// markSent records the pending→sent move. The adapter already delivered the
// message, so a write failure here would leave the ledger claiming pending
// forever; retry until the record sticks rather than swallow the error.
func (c *Coordinator) markSent(ctx context.Context, messageID, externalMessageID string, log *slog.Logger) {
	var lastErr error
	for attempt := 1; attempt <= sentRecordAttempts; attempt++ {
		if _, lastErr = c.ledger.SetSent(ctx, messageID, externalMessageID); lastErr == nil {
			return
		}
		log.Warn("recording sent status failed",
			"attempt", attempt,
			"max_attempts", sentRecordAttempts,
			"error", lastErr)
		select {
		case <-ctx.Done():
			log.Error("message delivered but never recorded as sent", "error", lastErr)
			return
		case <-time.After(c.cfg.BackoffBase << (attempt - 1)):
		}
	}
	log.Error("message delivered but never recorded as sent", "error", lastErr)
}

func (c *Coordinator) send(ctx context.Context, adapter platform.Adapter, acct *store.LinkedAccount, recipient, content string) (*platform.DispatchResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	result, err := adapter.SendOutbound(sendCtx, acct, recipient, content)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, platform.NewTransientSendError(err)
		}
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) fail(ctx context.Context, messageID string, log *slog.Logger) {
	if _, err := c.ledger.Transition(ctx, messageID, store.StatusFailed); err != nil {
		log.Error("marking message failed", "error", err)
	}
}
