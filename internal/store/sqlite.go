// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides operator/account/customer/conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// The pragmas ride the DSN so every pooled connection gets them. The busy
	// timeout is what lets concurrent writers queue on SQLite's write lock and
	// reach the unique-constraint conflict path instead of erroring with
	// SQLITE_BUSY.
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The uniqueness constraints here are load-bearing: concurrent resolver
// calls rely on them, not on in-process locks, to converge on single rows.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operators (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS linked_accounts (
			id                  TEXT PRIMARY KEY,
			owner_user_id       TEXT NOT NULL REFERENCES operators(id),
			platform            TEXT NOT NULL,
			external_account_id TEXT NOT NULL,
			display_name        TEXT,
			credential_ref      TEXT,
			created_at          TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_linked_accounts_platform_external
			ON linked_accounts(platform, external_account_id);
		CREATE INDEX IF NOT EXISTS idx_linked_accounts_owner
			ON linked_accounts(owner_user_id);

		CREATE TABLE IF NOT EXISTS customers (
			id                   TEXT PRIMARY KEY,
			owner_user_id        TEXT NOT NULL REFERENCES operators(id),
			platform             TEXT NOT NULL,
			external_customer_id TEXT NOT NULL,
			display_name         TEXT,
			contact_info         TEXT,
			notes                TEXT,
			created_at           TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_identity
			ON customers(owner_user_id, platform, external_customer_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			owner_user_id     TEXT NOT NULL REFERENCES operators(id),
			linked_account_id TEXT NOT NULL REFERENCES linked_accounts(id),
			customer_id       TEXT NOT NULL REFERENCES customers(id),
			status            TEXT NOT NULL,
			last_message_at   TEXT NOT NULL,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('open', 'pending', 'closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(linked_account_id, customer_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_owner_recent
			ON conversations(owner_user_id, last_message_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_type     TEXT NOT NULL,
			content         TEXT NOT NULL,
			external_id     TEXT,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,

			CHECK (sender_type IN ('customer', 'agent')),
			CHECK (status IN ('pending', 'sent', 'delivered', 'failed', 'received'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_external
			ON messages(conversation_id, external_id)
			WHERE external_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_external
			ON messages(external_id)
			WHERE external_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// CreateOperator inserts a new operator row.
func (s *SQLiteStore) CreateOperator(ctx context.Context, op *Operator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, display_name, created_at)
		VALUES (?, ?, ?)
	`, op.ID, op.DisplayName, formatTime(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting operator: %w", err)
	}
	s.logger.Debug("created operator", "id", op.ID)
	return nil
}

// GetOperator retrieves an operator by ID.
// Returns ErrNotFound if the operator doesn't exist.
func (s *SQLiteStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, created_at FROM operators WHERE id = ?
	`, id).Scan(&op.ID, &op.DisplayName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", err)
	}
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperators returns all operators, oldest first.
func (s *SQLiteStore) ListOperators(ctx context.Context) ([]*Operator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, created_at FROM operators ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		var op Operator
		var createdAt string
		if err := rows.Scan(&op.ID, &op.DisplayName, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning operator row: %w", err)
		}
		if op.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// CountOperators returns the total number of operators.
// Used by bootstrap to refuse re-running on an initialized database.
func (s *SQLiteStore) CountOperators(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operators`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting operators: %w", err)
	}
	return count, nil
}

// CreateLinkedAccount inserts a validated linked account.
// Returns ErrDuplicateAccount if (platform, external_account_id) is taken.
func (s *SQLiteStore) CreateLinkedAccount(ctx context.Context, acct *LinkedAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (id, owner_user_id, platform, external_account_id, display_name, credential_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, acct.ID, acct.OwnerUserID, acct.Platform, acct.ExternalAccountID,
		acct.DisplayName, acct.CredentialRef, formatTime(acct.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("inserting linked account: %w", err)
	}
	s.logger.Debug("created linked account", "id", acct.ID, "platform", acct.Platform)
	return nil
}

func (s *SQLiteStore) scanLinkedAccount(row *sql.Row) (*LinkedAccount, error) {
	var acct LinkedAccount
	var displayName, credentialRef sql.NullString
	var createdAt string
	err := row.Scan(&acct.ID, &acct.OwnerUserID, &acct.Platform, &acct.ExternalAccountID,
		&displayName, &credentialRef, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning linked account: %w", err)
	}
	acct.DisplayName = displayName.String
	acct.CredentialRef = credentialRef.String
	if acct.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetLinkedAccount retrieves a linked account by ID.
func (s *SQLiteStore) GetLinkedAccount(ctx context.Context, id string) (*LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, platform, external_account_id, display_name, credential_ref, created_at
		FROM linked_accounts WHERE id = ?
	`, id)
	return s.scanLinkedAccount(row)
}

// GetLinkedAccountByPlatformID retrieves a linked account by its platform
// identity. This is the resolver's entry lookup for every inbound event.
func (s *SQLiteStore) GetLinkedAccountByPlatformID(ctx context.Context, platform, externalAccountID string) (*LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, platform, external_account_id, display_name, credential_ref, created_at
		FROM linked_accounts WHERE platform = ? AND external_account_id = ?
	`, platform, externalAccountID)
	return s.scanLinkedAccount(row)
}

// ListLinkedAccounts returns all linked accounts owned by the given operator.
func (s *SQLiteStore) ListLinkedAccounts(ctx context.Context, ownerUserID string) ([]*LinkedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, platform, external_account_id, display_name, credential_ref, created_at
		FROM linked_accounts WHERE owner_user_id = ?
		ORDER BY platform, external_account_id
	`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("querying linked accounts: %w", err)
	}
	defer rows.Close()

	var accts []*LinkedAccount
	for rows.Next() {
		var acct LinkedAccount
		var displayName, credentialRef sql.NullString
		var createdAt string
		if err := rows.Scan(&acct.ID, &acct.OwnerUserID, &acct.Platform, &acct.ExternalAccountID,
			&displayName, &credentialRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning linked account row: %w", err)
		}
		acct.DisplayName = displayName.String
		acct.CredentialRef = credentialRef.String
		if acct.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		accts = append(accts, &acct)
	}
	return accts, rows.Err()
}

// CreateCustomer inserts a new customer.
// Returns ErrDuplicateCustomer when the identity triple already exists;
// the caller re-fetches the winning row (conflict-retry, no locking).
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, owner_user_id, platform, external_customer_id, display_name, contact_info, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerUserID, c.Platform, c.ExternalCustomerID,
		c.DisplayName, c.ContactInfo, c.Notes, formatTime(c.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCustomer
		}
		return fmt.Errorf("inserting customer: %w", err)
	}
	s.logger.Debug("created customer", "id", c.ID, "platform", c.Platform)
	return nil
}

func (s *SQLiteStore) scanCustomer(row *sql.Row) (*Customer, error) {
	var c Customer
	var displayName, contactInfo, notes sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.OwnerUserID, &c.Platform, &c.ExternalCustomerID,
		&displayName, &contactInfo, &notes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning customer: %w", err)
	}
	c.DisplayName = displayName.String
	c.ContactInfo = contactInfo.String
	c.Notes = notes.String
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomer retrieves a customer by ID.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, platform, external_customer_id, display_name, contact_info, notes, created_at
		FROM customers WHERE id = ?
	`, id)
	return s.scanCustomer(row)
}

// GetCustomerByExternalID retrieves a customer by its identity triple.
func (s *SQLiteStore) GetCustomerByExternalID(ctx context.Context, ownerUserID, platform, externalCustomerID string) (*Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, platform, external_customer_id, display_name, contact_info, notes, created_at
		FROM customers WHERE owner_user_id = ? AND platform = ? AND external_customer_id = ?
	`, ownerUserID, platform, externalCustomerID)
	return s.scanCustomer(row)
}

// UpdateCustomerProfile updates the editable customer fields. The identity
// triple is immutable and the update is owner-scoped.
// Returns ErrNotFound if no row matches.
func (s *SQLiteStore) UpdateCustomerProfile(ctx context.Context, id, ownerUserID, displayName, contactInfo, notes string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE customers SET display_name = ?, contact_info = ?, notes = ?
		WHERE id = ? AND owner_user_id = ?
	`, displayName, contactInfo, notes, id, ownerUserID)
	if err != nil {
		return fmt.Errorf("updating customer: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("updated customer profile", "id", id)
	return nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation when the (linked_account_id, customer_id)
// pair already exists; the caller re-fetches the winning row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_user_id, linked_account_id, customer_id, status, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.OwnerUserID, conv.LinkedAccountID, conv.CustomerID,
		conv.Status, formatTime(conv.LastMessageAt), formatTime(conv.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", conv.ID, "customer", conv.CustomerID)
	return nil
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var lastMessageAt, createdAt string
	err := row.Scan(&conv.ID, &conv.OwnerUserID, &conv.LinkedAccountID, &conv.CustomerID,
		&conv.Status, &lastMessageAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if conv.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, err
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, linked_account_id, customer_id, status, last_message_at, created_at
		FROM conversations WHERE id = ?
	`, id)
	return s.scanConversation(row)
}

// GetConversationByPair retrieves the conversation for an account/customer pair.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, linkedAccountID, customerID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, linked_account_id, customer_id, status, last_message_at, created_at
		FROM conversations WHERE linked_account_id = ? AND customer_id = ?
	`, linkedAccountID, customerID)
	return s.scanConversation(row)
}

// ListConversations returns the operator's conversations, most recent activity first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, ownerUserID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_user_id, linked_account_id, customer_id, status, last_message_at, created_at
		FROM conversations WHERE owner_user_id = ?
		ORDER BY last_message_at DESC
		LIMIT ?
	`, ownerUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var lastMessageAt, createdAt string
		if err := rows.Scan(&conv.ID, &conv.OwnerUserID, &conv.LinkedAccountID, &conv.CustomerID,
			&conv.Status, &lastMessageAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		if conv.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
			return nil, err
		}
		if conv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// SetConversationStatus sets an operator-driven status.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetConversationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("set conversation status", "id", id, "status", status)
	return nil
}

// ReopenConversation moves a closed conversation back to open. The guard on
// the current status makes the reopen observable exactly once under
// concurrent inbound deliveries.
func (s *SQLiteStore) ReopenConversation(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ? WHERE id = ? AND status = ?
	`, ConversationOpen, id, ConversationClosed)
	if err != nil {
		return false, fmt.Errorf("reopening conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Info("conversation reopened on inbound", "id", id)
	}
	return rowsAffected > 0, nil
}

// TouchConversation advances last_message_at, never moving it backward.
// RFC3339 UTC strings compare lexicographically in chronological order,
// so the guard is a plain string comparison.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = ? WHERE id = ? AND last_message_at < ?
	`, ts, id, ts)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
