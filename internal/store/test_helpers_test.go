package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/roach88/ledgerflow/internal/ir"
)

// checkpointStore is the contract shared by Store and MemoryStore.
type checkpointStore interface {
	AddCheckpoint(ctx context.Context, cp ir.Checkpoint) error
	RemoveCheckpoint(ctx context.Context, cp ir.Checkpoint) error
	ReplaceCheckpoint(ctx context.Context, old, next *ir.Checkpoint, consumedMessageID string) error
	ListCheckpoints(ctx context.Context) ([]ir.Checkpoint, error)
	GetCheckpoint(ctx context.Context, flowID string) (ir.Checkpoint, error)
	BufferMessage(ctx context.Context, msg ir.SessionMessage) (bool, error)
	BufferedMessages(ctx context.Context) ([]ir.SessionMessage, error)
	DiscardMessage(ctx context.Context, messageID string) error
}

// createTestStore creates a new SQLite store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s checkpointStore)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, createTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

// createTestCheckpoint creates a checkpoint awaiting a topic.
func createTestCheckpoint(flowID, topic string) ir.Checkpoint {
	return ir.Checkpoint{
		FlowID:              flowID,
		Continuation:        []byte(`{"frames":[{"flow":"test","point":"` + topic + `"}]}`),
		AwaitingTopic:       topic,
		AwaitingPayloadType: "test.Reply",
	}
}

// createTestMessage creates a data message with a JSON payload.
func createTestMessage(id, sessionID string) ir.SessionMessage {
	return ir.SessionMessage{
		ID:          id,
		SessionID:   sessionID,
		From:        "alice",
		To:          "bob",
		Topic:       "proposal",
		Kind:        ir.KindData,
		PayloadType: "test.Proposal",
		Payload:     json.RawMessage(`{"amount":10}`),
	}
}
