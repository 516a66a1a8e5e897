package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Notary prevents double spends by signing transactions whose inputs have
// not been consumed by another transaction.
type Notary interface {
	Party() ir.Party
	Notarize(ctx context.Context, stx SignedTransaction) (Signature, error)
}

// MemoryNotary is a single-node uniqueness service.
type MemoryNotary struct {
	party  ir.Party
	signer Signer

	mu       sync.Mutex
	consumed map[StateRef]string
}

// NewMemoryNotary creates a notary that signs as party.
func NewMemoryNotary(party ir.Party, signer Signer) *MemoryNotary {
	return &MemoryNotary{
		party:    party,
		signer:   signer,
		consumed: make(map[StateRef]string),
	}
}

// Party returns the notary identity.
func (n *MemoryNotary) Party() ir.Party {
	return n.party
}

// Notarize commits the inputs of stx and returns the notary signature.
//
// Every required signature other than the notary's must be present.
// Notarising the same transaction again returns a fresh signature;
// a different transaction spending a committed input fails with
// *NotarizationError.
func (n *MemoryNotary) Notarize(ctx context.Context, stx SignedTransaction) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	if stx.Tx.Notary != n.party {
		return Signature{}, &NotarizationError{
			TxID:   stx.ID,
			Reason: fmt.Sprintf("transaction names notary %q, not %q", stx.Tx.Notary, n.party),
		}
	}
	if err := VerifyTransaction(n.signer, stx, n.party); err != nil {
		return Signature{}, &NotarizationError{TxID: stx.ID, Reason: err.Error()}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var conflicts []StateRef
	for _, in := range stx.Tx.Inputs {
		if by, ok := n.consumed[in]; ok && by != stx.ID {
			conflicts = append(conflicts, in)
		}
	}
	if len(conflicts) > 0 {
		return Signature{}, &NotarizationError{TxID: stx.ID, Conflicts: conflicts}
	}

	sig, err := n.signer.Sign(n.party, stx.ID)
	if err != nil {
		return Signature{}, fmt.Errorf("notary sign %s: %w", stx.ID, err)
	}
	for _, in := range stx.Tx.Inputs {
		n.consumed[in] = stx.ID
	}
	return sig, nil
}
