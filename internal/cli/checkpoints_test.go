package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/store"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.AddCheckpoint(ctx, ir.Checkpoint{
		FlowID:              "alice-1",
		Continuation:        []byte(`{"frames":[]}`),
		AwaitingTopic:       "proposal",
		AwaitingPayloadType: "replacement.Reply",
	}))
	_, err = st.BufferMessage(ctx, ir.SessionMessage{
		ID:        "m-1",
		SessionID: "s-1",
		From:      "bob",
		To:        "alice",
		Topic:     "proposal",
		Kind:      ir.KindData,
		Payload:   json.RawMessage(`{"accepted":true}`),
	})
	require.NoError(t, err)
	return path
}

func TestCheckpointsCommand_Text(t *testing.T) {
	path := seedDatabase(t)

	buf := &bytes.Buffer{}
	cmd := NewCheckpointsCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Checkpoints (1):")
	assert.Contains(t, out, `alice-1  awaiting "proposal"  (13 bytes)`)
	assert.Contains(t, out, "Buffered messages (1):")
	assert.Contains(t, out, "m-1  bob -> alice  data proposal")
}

func TestCheckpointsCommand_JSON(t *testing.T) {
	path := seedDatabase(t)

	buf := &bytes.Buffer{}
	cmd := NewCheckpointsCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", path})
	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string            `json:"status"`
		Data   CheckpointsResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Checkpoints, 1)
	assert.Equal(t, "alice-1", resp.Data.Checkpoints[0].FlowID)
	require.Len(t, resp.Data.Messages, 1)
	assert.Equal(t, "s-1", resp.Data.Messages[0].SessionID)
}

func TestCheckpointsCommand_MissingDatabase(t *testing.T) {
	cmd := NewCheckpointsCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "missing.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestCheckpointsCommand_DataDirFromConfig(t *testing.T) {
	path := seedDatabase(t)
	t.Setenv("LEDGERFLOW_NODE_DATA_DIR", filepath.Dir(path))

	buf := &bytes.Buffer{}
	cmd := NewCheckpointsCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "alice-1")
}

func TestCheckpointsCommand_MissingDatabaseJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewCheckpointsCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", filepath.Join(t.TempDir(), "missing.db")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDatabase, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "database not found")
}
