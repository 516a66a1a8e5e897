package store

import (
	"context"
	"fmt"

	"github.com/roach88/ledgerflow/internal/ir"
)

// BufferMessage durably records an inbound message until a flow consumes it.
//
// Returns inserted=false if the message id is already buffered or has already
// been consumed. This is the node's duplicate-delivery boundary.
func (s *Store) BufferMessage(ctx context.Context, msg ir.SessionMessage) (inserted bool, err error) {
	body, err := marshalMessage(msg)
	if err != nil {
		return false, fmt.Errorf("buffer message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("buffer message: begin tx: %w", err)
	}
	defer tx.Rollback()

	var processed int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE message_id = ?`, msg.ID,
	).Scan(&processed); err != nil {
		return false, fmt.Errorf("buffer message: check processed: %w", err)
	}
	if processed > 0 {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inbox (message_id, session_id, message)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, msg.ID, msg.SessionID, body)
	if err != nil {
		return false, fmt.Errorf("buffer message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("buffer message: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("buffer message: commit: %w", err)
	}
	return n == 1, nil
}

// BufferedMessages returns every unconsumed message in arrival order.
// Returns an empty slice (not nil) when the inbox is empty.
func (s *Store) BufferedMessages(ctx context.Context) ([]ir.SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message FROM inbox ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("buffered messages: %w", err)
	}
	defer rows.Close()

	messages := []ir.SessionMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("buffered messages: scan: %w", err)
		}
		msg, err := unmarshalMessage(body)
		if err != nil {
			return nil, fmt.Errorf("buffered messages: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("buffered messages: iterate: %w", err)
	}
	return messages, nil
}

// DiscardMessage drops a buffered message without delivering it to a flow.
// The id is remembered so a redelivery is refused as well.
func (s *Store) DiscardMessage(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("discard message: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := consumeMessage(ctx, tx, messageID); err != nil {
		return fmt.Errorf("discard message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("discard message: commit: %w", err)
	}
	return nil
}

// consumeMessage moves a message id from the inbox to the processed set.
func consumeMessage(ctx context.Context, db execer, messageID string) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO processed_messages (message_id) VALUES (?)
		ON CONFLICT(message_id) DO NOTHING
	`, messageID); err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	if _, err := db.ExecContext(ctx,
		`DELETE FROM inbox WHERE message_id = ?`, messageID,
	); err != nil {
		return fmt.Errorf("delete buffered %s: %w", messageID, err)
	}
	return nil
}
