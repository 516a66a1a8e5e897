package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStore_SignVerify(t *testing.T) {
	keys := NewKeyStore()
	sig, err := keys.Sign("alice", "tx-1")
	require.NoError(t, err)

	assert.NoError(t, keys.Verify(sig, "tx-1"))
	assert.ErrorIs(t, keys.Verify(sig, "tx-2"), ErrInvalidSignature)

	forged := sig
	forged.By = "bob"
	assert.ErrorIs(t, keys.Verify(forged, "tx-1"), ErrInvalidSignature)
}

func TestKeyStore_KeysAgreeAcrossStores(t *testing.T) {
	sig, err := NewKeyStore().Sign("alice", "tx-1")
	require.NoError(t, err)
	assert.NoError(t, NewKeyStore().Verify(sig, "tx-1"))
}

func TestKeyStore_EmptyParty(t *testing.T) {
	_, err := NewKeyStore().Sign("", "tx-1")
	assert.ErrorIs(t, err, ErrUnknownParty)
}

func TestVerifyTransaction(t *testing.T) {
	keys := NewKeyStore()
	stx := issue(t, keys, "bank", "alice", 100)
	require.NoError(t, VerifyTransaction(keys, stx))

	t.Run("tampered body", func(t *testing.T) {
		bad := stx
		bad.Tx.Command = "move"
		assert.Error(t, VerifyTransaction(keys, bad))
	})

	t.Run("missing signer", func(t *testing.T) {
		unsigned := stx
		unsigned.Sigs = nil
		assert.Error(t, VerifyTransaction(keys, unsigned))
		assert.NoError(t, VerifyTransaction(keys, unsigned, "bank"))
	})
}
