// ABOUTME: Identity resolution for inbound events - account, customer, conversation upserts
// ABOUTME: Race-safe via unique indexes plus conflict-retry, never application locks

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/store"
)

// ErrUnknownAccount is returned when an inbound event targets a platform
// account no operator has connected. The event is rejected with no side
// effects.
var ErrUnknownAccount = errors.New("unknown linked account")

// ResolverStore defines what the resolver needs from storage.
type ResolverStore interface {
	GetLinkedAccountByPlatformID(ctx context.Context, platform, externalAccountID string) (*store.LinkedAccount, error)
	CreateCustomer(ctx context.Context, c *store.Customer) error
	GetCustomerByExternalID(ctx context.Context, ownerUserID, platform, externalCustomerID string) (*store.Customer, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversationByPair(ctx context.Context, linkedAccountID, customerID string) (*store.Conversation, error)
	ReopenConversation(ctx context.Context, id string) (bool, error)
}

// Resolver maps external platform identifiers to internal records, creating
// customers and conversations on first sight.
type Resolver struct {
	store  ResolverStore
	logger *slog.Logger
}

// New creates a Resolver. Pass nil logger for default.
func New(s ResolverStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		logger: logger.With("component", "resolver"),
	}
}

// Input identifies an inbound event's endpoints.
type Input struct {
	Platform           string
	ExternalAccountID  string
	ExternalCustomerID string
	// CustomerName seeds the display name on first sight only.
	CustomerName string
}

// Resolution is the outcome of a resolve call.
type Resolution struct {
	Account      *store.LinkedAccount
	Customer     *store.Customer
	Conversation *store.Conversation
	// Reopened is true when this inbound event moved a closed conversation
	// back to open.
	Reopened bool
}

// Resolve walks the account → customer → conversation chain for one inbound
// event. Concurrent calls for the same identifiers converge on single rows:
// inserts that lose the race to a unique index re-fetch the winning row.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Resolution, error) {
	account, err := r.store.GetLinkedAccountByPlatformID(ctx, in.Platform, in.ExternalAccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAccount, in.Platform, in.ExternalAccountID)
		}
		return nil, fmt.Errorf("looking up linked account: %w", err)
	}

	customer, err := r.ensureCustomer(ctx, account.OwnerUserID, in)
	if err != nil {
		return nil, err
	}

	conv, reopened, err := r.ensureConversation(ctx, account, customer)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Account:      account,
		Customer:     customer,
		Conversation: conv,
		Reopened:     reopened,
	}, nil
}

// ensureCustomer fetches or creates the customer for the identity triple.
func (r *Resolver) ensureCustomer(ctx context.Context, ownerUserID string, in Input) (*store.Customer, error) {
	customer, err := r.store.GetCustomerByExternalID(ctx, ownerUserID, in.Platform, in.ExternalCustomerID)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up customer: %w", err)
	}

	customer = &store.Customer{
		ID:                 uuid.New().String(),
		OwnerUserID:        ownerUserID,
		Platform:           in.Platform,
		ExternalCustomerID: in.ExternalCustomerID,
		DisplayName:        in.CustomerName,
		CreatedAt:          time.Now(),
	}
	if err := r.store.CreateCustomer(ctx, customer); err != nil {
		// A concurrent delivery for the same customer may have inserted
		// between our lookup and insert; the unique triple decides.
		if errors.Is(err, store.ErrDuplicateCustomer) {
			r.logger.Debug("customer insert lost race, re-fetching",
				"platform", in.Platform,
				"external_customer_id", in.ExternalCustomerID)
			existing, lookupErr := r.store.GetCustomerByExternalID(ctx, ownerUserID, in.Platform, in.ExternalCustomerID)
			if lookupErr != nil {
				return nil, fmt.Errorf("re-fetching customer after conflict: %w", lookupErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("creating customer: %w", err)
	}

	r.logger.Info("customer created",
		"id", customer.ID,
		"platform", in.Platform,
		"owner", ownerUserID)
	return customer, nil
}

// ensureConversation fetches or creates the conversation for the
// account/customer pair. Fetching a closed conversation reopens it as a
// side effect of the inbound event.
func (r *Resolver) ensureConversation(ctx context.Context, account *store.LinkedAccount, customer *store.Customer) (*store.Conversation, bool, error) {
	conv, err := r.store.GetConversationByPair(ctx, account.ID, customer.ID)
	if err == nil {
		return r.maybeReopen(ctx, conv)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now()
	conv = &store.Conversation{
		ID:              uuid.New().String(),
		OwnerUserID:     account.OwnerUserID,
		LinkedAccountID: account.ID,
		CustomerID:      customer.ID,
		Status:          store.ConversationOpen,
		LastMessageAt:   now,
		CreatedAt:       now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			r.logger.Debug("conversation insert lost race, re-fetching",
				"linked_account_id", account.ID,
				"customer_id", customer.ID)
			existing, lookupErr := r.store.GetConversationByPair(ctx, account.ID, customer.ID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("re-fetching conversation after conflict: %w", lookupErr)
			}
			return r.maybeReopen(ctx, existing)
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	r.logger.Info("conversation created",
		"id", conv.ID,
		"customer_id", customer.ID,
		"linked_account_id", account.ID)
	return conv, false, nil
}

func (r *Resolver) maybeReopen(ctx context.Context, conv *store.Conversation) (*store.Conversation, bool, error) {
	if conv.Status != store.ConversationClosed {
		return conv, false, nil
	}
	reopened, err := r.store.ReopenConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reopening conversation: %w", err)
	}
	// Reflect the new status regardless of which racer's UPDATE won
	conv.Status = store.ConversationOpen
	return conv, reopened, nil
}
