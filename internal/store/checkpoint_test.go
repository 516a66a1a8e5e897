package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgerflow/internal/ir"
)

func TestAddCheckpoint_RoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		cp := createTestCheckpoint("flow-1", "session/proposal")
		cp.ReceivedPayload = json.RawMessage(`{"accepted":true}`)

		require.NoError(t, s.AddCheckpoint(ctx, cp))

		list, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, cp.FlowID, list[0].FlowID)
		assert.Equal(t, cp.ID(), list[0].ID(), "stored checkpoint must keep its content identity")
		assert.JSONEq(t, `{"accepted":true}`, string(list[0].ReceivedPayload))
	})
}

func TestAddCheckpoint_IdempotentForSameSnapshot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		cp := createTestCheckpoint("flow-1", "a")

		require.NoError(t, s.AddCheckpoint(ctx, cp))
		require.NoError(t, s.AddCheckpoint(ctx, cp))

		list, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestAddCheckpoint_ConflictForDifferentSnapshot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		require.NoError(t, s.AddCheckpoint(ctx, createTestCheckpoint("flow-1", "a")))

		err := s.AddCheckpoint(ctx, createTestCheckpoint("flow-1", "b"))
		require.ErrorIs(t, err, ErrConflict)

		list, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1, "at most one checkpoint per flow")
		assert.Equal(t, "a", list[0].AwaitingTopic)
	})
}

func TestRemoveCheckpoint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		cp := createTestCheckpoint("flow-1", "a")
		require.NoError(t, s.AddCheckpoint(ctx, cp))

		require.NoError(t, s.RemoveCheckpoint(ctx, cp))

		err := s.RemoveCheckpoint(ctx, cp)
		assert.ErrorIs(t, err, ErrNotFound, "second removal must report not found")

		list, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestRemoveCheckpoint_WrongSnapshot(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		require.NoError(t, s.AddCheckpoint(ctx, createTestCheckpoint("flow-1", "a")))

		err := s.RemoveCheckpoint(ctx, createTestCheckpoint("flow-1", "b"))
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetCheckpoint(ctx, "flow-1")
		assert.NoError(t, err, "stored snapshot must survive a mismatched removal")
	})
}

func TestReplaceCheckpoint_SwapsAndConsumes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		old := createTestCheckpoint("flow-1", "a")
		next := createTestCheckpoint("flow-1", "b")
		msg := createTestMessage("msg-1", "session-1")

		require.NoError(t, s.AddCheckpoint(ctx, old))
		inserted, err := s.BufferMessage(ctx, msg)
		require.NoError(t, err)
		require.True(t, inserted)

		require.NoError(t, s.ReplaceCheckpoint(ctx, &old, &next, msg.ID))

		got, err := s.GetCheckpoint(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, next.ID(), got.ID())

		buffered, err := s.BufferedMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, buffered)

		inserted, err = s.BufferMessage(ctx, msg)
		require.NoError(t, err)
		assert.False(t, inserted, "a consumed message must not be buffered again")
	})
}

func TestReplaceCheckpoint_MissingOldLeavesStateUntouched(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		stored := createTestCheckpoint("flow-1", "a")
		stale := createTestCheckpoint("flow-1", "stale")
		next := createTestCheckpoint("flow-1", "b")
		require.NoError(t, s.AddCheckpoint(ctx, stored))

		err := s.ReplaceCheckpoint(ctx, &stale, &next, "")
		require.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetCheckpoint(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, stored.ID(), got.ID())
	})
}

func TestReplaceCheckpoint_TerminalRemoval(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		cp := createTestCheckpoint("flow-1", "a")
		require.NoError(t, s.AddCheckpoint(ctx, cp))

		require.NoError(t, s.ReplaceCheckpoint(ctx, &cp, nil, "msg-9"))

		_, err := s.GetCheckpoint(ctx, "flow-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListCheckpoints_WriteOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		for _, id := range []string{"flow-c", "flow-a", "flow-b"} {
			require.NoError(t, s.AddCheckpoint(ctx, createTestCheckpoint(id, "t")))
		}

		list, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "flow-c", list[0].FlowID)
		assert.Equal(t, "flow-a", list[1].FlowID)
		assert.Equal(t, "flow-b", list[2].FlowID)
	})
}

func TestListCheckpoints_Empty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		list, err := s.ListCheckpoints(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})
}

func TestStore_CheckpointSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	s1, err := Open(path)
	require.NoError(t, err)
	cp := createTestCheckpoint("flow-1", "session/reply")
	require.NoError(t, s1.AddCheckpoint(ctx, cp))
	_, err = s1.BufferMessage(ctx, createTestMessage("msg-1", "session"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	list, err := s2.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, cp.ID(), list[0].ID())

	buffered, err := s2.BufferedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, buffered, 1)
	assert.Equal(t, "msg-1", buffered[0].ID)
}

func TestGetCheckpoint_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		_, err := s.GetCheckpoint(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCheckpoint_ContinuationIsCopied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	cp := ir.Checkpoint{FlowID: "flow-1", Continuation: []byte("abc")}
	require.NoError(t, s.AddCheckpoint(ctx, cp))

	cp.Continuation[0] = 'x'

	got, err := s.GetCheckpoint(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got.Continuation))
}

func TestCheckpoints_ConcurrentFlows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s checkpointStore) {
		ctx := context.Background()
		const flows = 32

		var g errgroup.Group
		for i := 0; i < flows; i++ {
			flowID := fmt.Sprintf("flow-%d", i)
			g.Go(func() error {
				first := createTestCheckpoint(flowID, "session/proposal")
				if err := s.AddCheckpoint(ctx, first); err != nil {
					return err
				}
				next := createTestCheckpoint(flowID, "session/signature")
				if err := s.ReplaceCheckpoint(ctx, &first, &next, ""); err != nil {
					return err
				}
				return s.RemoveCheckpoint(ctx, next)
			})
		}
		require.NoError(t, g.Wait())

		cps, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		assert.Empty(t, cps)
	})
}
