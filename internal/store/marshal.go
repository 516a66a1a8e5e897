package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerflow/internal/ir"
)

// marshalMessage converts a session message to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON so the stored form is deterministic.
func marshalMessage(msg ir.SessionMessage) (string, error) {
	data, err := ir.MarshalCanonical(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(data), nil
}

// unmarshalMessage parses canonical JSON TEXT to a session message.
func unmarshalMessage(data string) (ir.SessionMessage, error) {
	var msg ir.SessionMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return ir.SessionMessage{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

// cloneCheckpoint copies the byte slices of a checkpoint so callers cannot
// mutate stored state.
func cloneCheckpoint(cp ir.Checkpoint) ir.Checkpoint {
	out := cp
	if cp.Continuation != nil {
		out.Continuation = append([]byte(nil), cp.Continuation...)
	}
	if cp.ReceivedPayload != nil {
		out.ReceivedPayload = append(json.RawMessage(nil), cp.ReceivedPayload...)
	}
	return out
}
