package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/config"
)

func TestInitCommand_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.yaml")

	buf := &bytes.Buffer{}
	cmd := NewInitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--party", "bank", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "for party bank")

	cfg, err := config.NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "bank", cfg.Node.Party)
	assert.Equal(t, config.Default().Network, cfg.Network)
	assert.Equal(t, config.Default().Revision, cfg.Revision)
}

func TestInitCommand_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  party: keep\n"), 0644))

	cmd := NewInitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "keep")
}

func TestInitCommand_ForceJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  party: old\n"), 0644))

	buf := &bytes.Buffer{}
	cmd := NewInitCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--force", path})

	require.NoError(t, cmd.Execute())

	var resp struct {
		Status string     `json:"status"`
		Data   InitResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, path, resp.Data.Path)
	assert.Equal(t, config.Default().Node.Party, resp.Data.Party)
}
