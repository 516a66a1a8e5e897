package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  party: alice
  workers: 2
network:
  retry_base_delay: 10ms
  retry_max_delay: 1s
log:
  level: debug
`), 0o644))
	t.Setenv("LEDGERFLOW_NODE_MAX_STEPS", "42")

	l := NewLoader().WithConfigFile(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Node.Party)
	assert.Equal(t, 2, cfg.Node.Workers)
	assert.Equal(t, 42, cfg.Node.MaxSteps)
	assert.Equal(t, 10*time.Millisecond, cfg.Network.RetryBaseDelay)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "notary", cfg.Notary.Party)
	assert.Equal(t, path, l.ConfigFile())
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: [unclosed"), 0o644))

	_, err := NewLoader().WithConfigFile(path).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Node.Workers = 0
	cfg.Notary.Party = cfg.Node.Party
	cfg.Log.Format = "xml"

	err := Validate(&cfg)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	var fields []string
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"node.workers", "notary.party", "log.format"}, fields)

	good := Default()
	assert.NoError(t, Validate(&good))
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	cfg := Default()
	cfg.Node.Party = "bank"
	require.NoError(t, WriteFile(path, cfg))

	loaded, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}
