package ledger

import (
	"fmt"

	"github.com/roach88/ledgerflow/internal/ir"
)

// CashVault is a Vault that can select cash for spending.
type CashVault interface {
	Vault
	SelectCash(flowID string, owner ir.Party, currency string, quantity int64) ([]StateAndRef, int64, error)
}

// Services is what a node hands its flows.
type Services struct {
	Signer Signer
	Notary Notary
	Vault  CashVault
}

// ServicesOf extracts the ledger services from a flow's service value.
func ServicesOf(v any) (*Services, error) {
	s, ok := v.(*Services)
	if !ok || s == nil {
		return nil, fmt.Errorf("node services unavailable (got %T)", v)
	}
	return s, nil
}
