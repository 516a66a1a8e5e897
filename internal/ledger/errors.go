package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ledgerflow/internal/ir"
)

var (
	// ErrStateNotFound is returned when no unconsumed state matches a lookup.
	ErrStateNotFound = errors.New("state not found")

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUnknownParty is returned when a party has no key.
	ErrUnknownParty = errors.New("unknown party")
)

// NotarizationError reports that the notary refused a transaction.
// Conflicts lists the inputs already consumed by another transaction.
type NotarizationError struct {
	TxID      string
	Conflicts []StateRef
	Reason    string
}

func (e *NotarizationError) Error() string {
	if len(e.Conflicts) == 0 {
		return fmt.Sprintf("notarisation of %s failed: %s", e.TxID, e.Reason)
	}
	refs := make([]string, len(e.Conflicts))
	for i, r := range e.Conflicts {
		refs[i] = r.String()
	}
	return fmt.Sprintf("notarisation of %s failed: inputs already consumed: %s", e.TxID, strings.Join(refs, ", "))
}

// IsNotarizationError returns true if err is or wraps a NotarizationError.
func IsNotarizationError(err error) bool {
	var ne *NotarizationError
	return errors.As(err, &ne)
}

// InsufficientFundsError reports that the vault cannot cover a spend.
type InsufficientFundsError struct {
	Owner     ir.Party
	Currency  string
	Requested int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s for %s: requested %d, available %d",
		e.Currency, e.Owner, e.Requested, e.Available)
}

// LockedError reports that a state is soft-locked by another flow.
type LockedError struct {
	Ref    StateRef
	FlowID string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("state %s is locked by flow %s", e.Ref, e.FlowID)
}
