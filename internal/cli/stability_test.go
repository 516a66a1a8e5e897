package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStabilityCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewStabilityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--parties", "alice,bob", "--rounds", "2", "--amount", "5"})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "Payments: 4 (0 failed)")
	assert.Contains(t, out, "Issued:   20 USD")
	assert.Contains(t, out, "Balances: alice=10 bob=10")
}

func TestStabilityCommand_InvalidConfig(t *testing.T) {
	cmd := NewStabilityCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--parties", "alice"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "at least two parties")
}
