// ABOUTME: Message ledger persistence - append-only rows with guarded status updates
// ABOUTME: Dedup rests on the partial unique index over (conversation_id, external_id)

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertMessage appends a ledger entry.
// Returns ErrDuplicateMessage if a row with the same
// (conversation_id, external_id) already exists; callers treat that as
// webhook redelivery and fetch the existing row.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	var externalID any
	if msg.ExternalID != nil && *msg.ExternalID != "" {
		externalID = *msg.ExternalID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_type, content, external_id, status, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderType, msg.Content,
		externalID, msg.Status, msg.Attempts, formatTime(msg.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("inserted message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"status", msg.Status)
	return nil
}

func (s *SQLiteStore) scanMessage(row *sql.Row) (*Message, error) {
	var msg Message
	var externalID sql.NullString
	var createdAt string
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderType, &msg.Content,
		&externalID, &msg.Status, &msg.Attempts, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	if externalID.Valid {
		msg.ExternalID = &externalID.String
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_type, content, external_id, status, attempts, created_at
		FROM messages WHERE id = ?
	`, id)
	return s.scanMessage(row)
}

// GetMessageByExternalID retrieves a message by its platform message id
// within one conversation. This is the dedup lookup after a conflict.
func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, conversationID, externalID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_type, content, external_id, status, attempts, created_at
		FROM messages WHERE conversation_id = ? AND external_id = ?
	`, conversationID, externalID)
	return s.scanMessage(row)
}

// FindMessageByExternalID retrieves the most recent message carrying the
// given platform message id across all conversations. Delivery-status
// callbacks identify messages only by that id.
func (s *SQLiteStore) FindMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_type, content, external_id, status, attempts, created_at
		FROM messages WHERE external_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, externalID)
	return s.scanMessage(row)
}

// ListMessages retrieves messages for a conversation, limited to the most
// recent `limit` rows, returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender_type, content, external_id, status, attempts, created_at
			FROM (
				SELECT id, conversation_id, sender_type, content, external_id, status, attempts, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_type, content, external_id, status, attempts, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var externalID sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderType, &msg.Content,
			&externalID, &msg.Status, &msg.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if externalID.Valid {
			msg.ExternalID = &externalID.String
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// TransitionMessageStatus applies a compare-and-swap status update.
// Returns false when the row's current status no longer matches `from`
// (a concurrent transition won); legality of the move is the ledger's job.
func (s *SQLiteStore) TransitionMessageStatus(ctx context.Context, id, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning message status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("message status transitioned", "id", id, "from", from, "to", to)
	}
	return rowsAffected > 0, nil
}

// SetMessageExternalID records the platform's message id on an outbound row.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) SetMessageExternalID(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET external_id = ? WHERE id = ?
	`, externalID, id)
	if err != nil {
		return fmt.Errorf("setting message external id: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMessageAttempts bumps the adapter invocation counter.
func (s *SQLiteStore) IncrementMessageAttempts(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET attempts = attempts + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("incrementing message attempts: %w", err)
	}
	return nil
}

// CountMessages returns the number of rows for a conversation. Used by
// tests asserting redelivery idempotence.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}
