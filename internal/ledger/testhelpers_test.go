package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/ir"
)

func cashState(owner, issuer ir.Party, qty int64) State {
	return State{
		Contract:     ContractCash,
		Participants: []ir.Party{owner},
		Owner:        owner,
		Amount:       &Amount{Quantity: qty, Currency: "USD", Issuer: issuer},
	}
}

// issue builds a signed issuance of cash to owner.
func issue(t *testing.T, keys *KeyStore, issuer, owner ir.Party, qty int64) SignedTransaction {
	t.Helper()
	stx, err := NewSignedTransaction(WireTransaction{
		Outputs: []State{cashState(owner, issuer, qty)},
		Command: "issue",
		Notary:  "notary",
		Signers: []ir.Party{issuer},
	})
	require.NoError(t, err)
	sig, err := keys.Sign(issuer, stx.ID)
	require.NoError(t, err)
	return stx.WithSignature(sig)
}

// move builds a signed spend of inputs to a new owner.
func move(t *testing.T, keys *KeyStore, from, to ir.Party, qty int64, inputs ...StateRef) SignedTransaction {
	t.Helper()
	stx, err := NewSignedTransaction(WireTransaction{
		Inputs:  inputs,
		Outputs: []State{cashState(to, "bank", qty)},
		Command: "move",
		Notary:  "notary",
		Signers: []ir.Party{from},
	})
	require.NoError(t, err)
	sig, err := keys.Sign(from, stx.ID)
	require.NoError(t, err)
	return stx.WithSignature(sig)
}
