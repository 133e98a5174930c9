package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/mail"
)

// ExistsByProviderID reports whether the message is already mirrored
// for this principal. The sync engine asks this instead of keeping an
// in-memory set so dedup survives restarts.
func (s *Store) ExistsByProviderID(ctx context.Context, principalID, providerID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE principal_id = ? AND provider_message_id = ?
	`, principalID, providerID).Scan(&one)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return true, nil
}

// UpsertMessage persists a message keyed on (principal, provider id).
// A re-fetched message updates flags and content without creating a
// duplicate. Newly inserted messages also append an outbox row in the
// same transaction (email.received, or email.sent for SENT-folder
// rows); updates do not. Returns whether the message was newly
// inserted.
func (s *Store) UpsertMessage(ctx context.Context, msg *mail.Message) (bool, error) {
	labelsJSON, err := json.Marshal(msg.Labels)
	if err != nil {
		return false, fmt.Errorf("failed to encode labels: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
		(principal_id, provider, provider_message_id, thread_id, subject, sender,
		 snippet, body, labels_json, folder, is_read, is_starred, received_at, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.PrincipalID, msg.Provider, msg.ProviderID, msg.ThreadID, msg.Subject, msg.Sender,
		msg.Snippet, msg.Body, string(labelsJSON), msg.Folder, msg.Read, msg.Starred,
		msg.ReceivedAt.Unix(), msg.IngestedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if n == 0 {
		// Already mirrored: reconcile flags and content, keep the
		// original ingested_at.
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET
				thread_id = ?, subject = ?, sender = ?, snippet = ?, body = ?,
				labels_json = ?, folder = ?, is_read = ?, is_starred = ?
			WHERE principal_id = ? AND provider_message_id = ?
		`, msg.ThreadID, msg.Subject, msg.Sender, msg.Snippet, msg.Body,
			string(labelsJSON), msg.Folder, msg.Read, msg.Starred,
			msg.PrincipalID, msg.ProviderID)
		if err != nil {
			return false, fmt.Errorf("failed to update message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return false, nil
	}

	if err := s.appendIngestOutboxTx(ctx, tx, msg); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (s *Store) appendIngestOutboxTx(ctx context.Context, tx *sql.Tx, msg *mail.Message) error {
	// Rows mirrored out of the SENT folder are the principal's own
	// outbound mail; publishing them as email.received would tell
	// consumers new mail arrived.
	eventType := "email.received"
	if msg.Folder == "SENT" {
		eventType = "email.sent"
	}

	event := map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"principal_id":        msg.PrincipalID,
		"provider":            msg.Provider,
		"provider_message_id": msg.ProviderID,
		"provider_thread_id":  msg.ThreadID,
		"subject":             msg.Subject,
		"sender":              msg.Sender,
		"snippet":             msg.Snippet,
		"folder":              msg.Folder,
		"labels":              msg.Labels,
		"received_at":         msg.ReceivedAt.Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := fmt.Sprintf("principal.%s.%s", msg.PrincipalID, eventType)
	msgID := fmt.Sprintf("%s|%s|%s|%s", eventType, msg.Provider, msg.PrincipalID, msg.ProviderID)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now().Unix(), subject, eventType, payload, msgID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// GetCursor loads the sync cursor for a principal.
// Returns mail.ErrNotFound when no sync has ever completed.
func (s *Store) GetCursor(ctx context.Context, principalID string) (*mail.Cursor, error) {
	var cursor string
	var updatedAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor, updated_at FROM sync_state WHERE principal_id = ?
	`, principalID).Scan(&cursor, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, mail.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	return &mail.Cursor{Value: cursor, UpdatedAt: time.Unix(updatedAt, 0).UTC()}, nil
}

// SetCursor advances the sync cursor. Callers only invoke this after
// the messages behind the cursor are durably persisted.
func (s *Store) SetCursor(ctx context.Context, principalID string, cursor mail.Cursor) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_state (principal_id, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, principalID, cursor.Value, cursor.UpdatedAt.Unix())

	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// UpdateFlags applies read/starred/folder changes to one message owned
// by the principal. Nil fields are left unchanged.
func (s *Store) UpdateFlags(ctx context.Context, principalID string, id int64, flags mail.Flags) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE messages SET
			is_read = COALESCE(?, is_read),
			is_starred = COALESCE(?, is_starred),
			folder = COALESCE(?, folder)
		WHERE id = ? AND principal_id = ?
	`, flags.Read, flags.Starred, flags.Folder, id, principalID)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return mail.ErrNotFound
	}
	return nil
}

// ListMessages returns the principal's newest messages.
func (s *Store) ListMessages(ctx context.Context, principalID string, limit int) ([]mail.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, principal_id, provider, provider_message_id, thread_id, subject, sender,
		       snippet, body, labels_json, folder, is_read, is_starred, received_at, ingested_at
		FROM messages
		WHERE principal_id = ?
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []mail.Message
	for rows.Next() {
		var m mail.Message
		var labelsJSON string
		var receivedAt, ingestedAt int64
		if err := rows.Scan(&m.ID, &m.PrincipalID, &m.Provider, &m.ProviderID, &m.ThreadID,
			&m.Subject, &m.Sender, &m.Snippet, &m.Body, &labelsJSON, &m.Folder,
			&m.Read, &m.Starred, &receivedAt, &ingestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(labelsJSON), &m.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
		m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		m.IngestedAt = time.Unix(ingestedAt, 0).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
