package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryNotary_SignsValidTransaction(t *testing.T) {
	keys := NewKeyStore()
	notary := NewMemoryNotary("notary", keys)
	stx := issue(t, keys, "bank", "alice", 100)

	sig, err := notary.Notarize(context.Background(), stx)
	require.NoError(t, err)
	assert.Equal(t, notary.Party(), sig.By)
	assert.NoError(t, keys.Verify(sig, stx.ID))
}

func TestMemoryNotary_RejectsDoubleSpend(t *testing.T) {
	ctx := context.Background()
	keys := NewKeyStore()
	notary := NewMemoryNotary("notary", keys)

	issued := issue(t, keys, "bank", "alice", 100)
	_, err := notary.Notarize(ctx, issued)
	require.NoError(t, err)
	coin := issued.OutRef(0).Ref

	toBob := move(t, keys, "alice", "bob", 100, coin)
	_, err = notary.Notarize(ctx, toBob)
	require.NoError(t, err)

	// Re-notarising the same spend is allowed.
	_, err = notary.Notarize(ctx, toBob)
	require.NoError(t, err)

	toCarol := move(t, keys, "alice", "carol", 100, coin)
	_, err = notary.Notarize(ctx, toCarol)
	require.Error(t, err)

	var ne *NotarizationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, []StateRef{coin}, ne.Conflicts)
	assert.True(t, IsNotarizationError(err))
}

func TestMemoryNotary_RejectsUnsignedOrForeign(t *testing.T) {
	ctx := context.Background()
	keys := NewKeyStore()
	notary := NewMemoryNotary("notary", keys)

	unsigned := issue(t, keys, "bank", "alice", 5)
	unsigned.Sigs = nil
	_, err := notary.Notarize(ctx, unsigned)
	assert.True(t, IsNotarizationError(err))

	foreign := issue(t, keys, "bank", "alice", 5)
	foreign.Tx.Notary = "other"
	_, err = notary.Notarize(ctx, foreign)
	assert.True(t, IsNotarizationError(err))
}
