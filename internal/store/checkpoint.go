package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ledgerflow/internal/ir"
)

// AddCheckpoint stores a checkpoint for its flow.
//
// Re-adding the snapshot already stored for the flow is a no-op. Adding a
// different snapshot while one is stored returns ErrConflict.
func (s *Store) AddCheckpoint(ctx context.Context, cp ir.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := insertCheckpoint(ctx, tx, cp); err != nil {
		return fmt.Errorf("add checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add checkpoint: commit: %w", err)
	}
	return nil
}

// RemoveCheckpoint deletes the given snapshot.
// Returns ErrNotFound if that exact snapshot is not stored.
func (s *Store) RemoveCheckpoint(ctx context.Context, cp ir.Checkpoint) error {
	if err := deleteCheckpoint(ctx, s.db, cp); err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// ReplaceCheckpoint removes old, stores next and marks the consumed message
// processed in a single transaction. Any of the three may be absent.
//
// This is the only transition the engine uses once a flow has a checkpoint,
// so a crash leaves either the old snapshot with the message still buffered
// or the new snapshot with the message consumed.
func (s *Store) ReplaceCheckpoint(ctx context.Context, old, next *ir.Checkpoint, consumedMessageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	if old != nil {
		if err := deleteCheckpoint(ctx, tx, *old); err != nil {
			return fmt.Errorf("replace checkpoint: %w", err)
		}
	}

	if next != nil {
		if err := insertCheckpoint(ctx, tx, *next); err != nil {
			return fmt.Errorf("replace checkpoint: %w", err)
		}
	}

	if consumedMessageID != "" {
		if err := consumeMessage(ctx, tx, consumedMessageID); err != nil {
			return fmt.Errorf("replace checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace checkpoint: commit: %w", err)
	}
	return nil
}

// ListCheckpoints returns every stored checkpoint in write order.
// Returns an empty slice (not nil) when the store holds none.
func (s *Store) ListCheckpoints(ctx context.Context) ([]ir.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flow_id, continuation, awaiting_topic, awaiting_payload_type, received_payload
		FROM checkpoints
		ORDER BY seq ASC, flow_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []ir.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: iterate: %w", err)
	}
	return checkpoints, nil
}

// GetCheckpoint returns the checkpoint stored for a flow.
// Returns ErrNotFound if the flow has none.
func (s *Store) GetCheckpoint(ctx context.Context, flowID string) (ir.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, continuation, awaiting_topic, awaiting_payload_type, received_payload
		FROM checkpoints
		WHERE flow_id = ?
	`, flowID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", flowID, ErrNotFound)
	}
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", flowID, err)
	}
	return cp, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func insertCheckpoint(ctx context.Context, db execer, cp ir.Checkpoint) error {
	id := cp.ID()

	var existing string
	err := db.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE flow_id = ?`, cp.FlowID,
	).Scan(&existing)
	switch {
	case err == nil && existing == id:
		return nil
	case err == nil:
		return fmt.Errorf("flow %s: %w", cp.FlowID, ErrConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup flow %s: %w", cp.FlowID, err)
	}

	continuation := cp.Continuation
	if continuation == nil {
		continuation = []byte{}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints
		(flow_id, checkpoint_id, continuation, awaiting_topic, awaiting_payload_type, received_payload, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints))
	`,
		cp.FlowID,
		id,
		continuation,
		cp.AwaitingTopic,
		cp.AwaitingPayloadType,
		[]byte(cp.ReceivedPayload),
	)
	if err != nil {
		return fmt.Errorf("insert flow %s: %w", cp.FlowID, err)
	}
	return nil
}

func deleteCheckpoint(ctx context.Context, db execer, cp ir.Checkpoint) error {
	res, err := db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE flow_id = ? AND checkpoint_id = ?`,
		cp.FlowID, cp.ID(),
	)
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", cp.FlowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", cp.FlowID, err)
	}
	if n == 0 {
		return fmt.Errorf("flow %s: %w", cp.FlowID, ErrNotFound)
	}
	return nil
}

func scanCheckpoint(row scanner) (ir.Checkpoint, error) {
	var (
		cp       ir.Checkpoint
		received []byte
	)
	if err := row.Scan(&cp.FlowID, &cp.Continuation, &cp.AwaitingTopic, &cp.AwaitingPayloadType, &received); err != nil {
		return ir.Checkpoint{}, err
	}
	if len(received) > 0 {
		cp.ReceivedPayload = received
	}
	return cp, nil
}
