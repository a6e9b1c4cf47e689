// ABOUTME: Store interface and data types for relaydesk persistence
// ABOUTME: Defines LinkedAccount, Customer, Conversation, Message and conflict sentinels

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Conflict sentinels returned on UNIQUE constraint violations. Callers use
// these to re-fetch the winning row instead of treating the race as a failure.
var (
	ErrDuplicateCustomer     = errors.New("customer already exists")
	ErrDuplicateConversation = errors.New("conversation already exists")
	ErrDuplicateMessage      = errors.New("message already exists")
	ErrDuplicateAccount      = errors.New("linked account already exists")
)

// Conversation status values.
const (
	ConversationOpen    = "open"
	ConversationPending = "pending"
	ConversationClosed  = "closed"
)

// Message sender types.
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
)

// Message status values. Inbound messages enter at "received" and never
// leave it; outbound messages start at "pending".
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// Operator is a human who owns linked accounts, customers and conversations.
// Created by the bootstrap command; referenced everywhere as owner_user_id.
type Operator struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// LinkedAccount is an operator's connected identity on an external platform.
// Rows are created by the connection-setup flow (the link command); the core
// only reads them. (platform, external_account_id) is unique.
type LinkedAccount struct {
	ID                string
	OwnerUserID       string
	Platform          string
	ExternalAccountID string
	DisplayName       string
	CredentialRef     string
	CreatedAt         time.Time
}

// Customer is an end-user reachable on exactly one platform through one
// external identifier. The (owner_user_id, platform, external_customer_id)
// triple is unique and immutable; only the profile fields are editable.
type Customer struct {
	ID                 string
	OwnerUserID        string
	Platform           string
	ExternalCustomerID string
	DisplayName        string
	ContactInfo        string
	Notes              string
	CreatedAt          time.Time
}

// Conversation is the thread between one Customer and one LinkedAccount.
// At most one row exists per (linked_account_id, customer_id) pair.
// LastMessageAt is monotonically non-decreasing.
type Conversation struct {
	ID              string
	OwnerUserID     string
	LinkedAccountID string
	CustomerID      string
	Status          string
	LastMessageAt   time.Time
	CreatedAt       time.Time
}

// Message is one ledger entry, owned by its Conversation. Rows are never
// mutated except for status, external_id and the attempt counter, and never
// deleted. ExternalID is the platform's own message id, used for inbound
// redelivery dedup and delivery-status callbacks.
type Message struct {
	ID             string
	ConversationID string
	SenderType     string
	Content        string
	ExternalID     *string
	Status         string
	Attempts       int
	CreatedAt      time.Time
}

// Store defines the persistence operations the core relies on. All mutation
// of shared state goes through these; no component reads-then-writes rows
// outside them.
type Store interface {
	// Operators
	CreateOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	ListOperators(ctx context.Context) ([]*Operator, error)
	CountOperators(ctx context.Context) (int, error)

	// Linked accounts (read-mostly; created by connection setup)
	CreateLinkedAccount(ctx context.Context, acct *LinkedAccount) error
	GetLinkedAccount(ctx context.Context, id string) (*LinkedAccount, error)
	GetLinkedAccountByPlatformID(ctx context.Context, platform, externalAccountID string) (*LinkedAccount, error)
	ListLinkedAccounts(ctx context.Context, ownerUserID string) ([]*LinkedAccount, error)

	// Customers
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByExternalID(ctx context.Context, ownerUserID, platform, externalCustomerID string) (*Customer, error)
	UpdateCustomerProfile(ctx context.Context, id, ownerUserID, displayName, contactInfo, notes string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, linkedAccountID, customerID string) (*Conversation, error)
	ListConversations(ctx context.Context, ownerUserID string, limit int) ([]*Conversation, error)
	SetConversationStatus(ctx context.Context, id, status string) error
	ReopenConversation(ctx context.Context, id string) (reopened bool, err error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (*Message, error)
	FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	TransitionMessageStatus(ctx context.Context, id, from, to string) (bool, error)
	SetMessageExternalID(ctx context.Context, id, externalID string) error
	IncrementMessageAttempts(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
