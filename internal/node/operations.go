package node

import (
	"fmt"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows"
	"github.com/roach88/ledgerflow/internal/ir"
)

// StartFlow starts logic on the running engine.
func (n *Node) StartFlow(logic engine.Logic) (*engine.Handle, error) {
	e := n.Engine()
	if e == nil {
		return nil, fmt.Errorf("start %s on %s: %w", logic.FlowName(), n.opts.Party, ErrNotRunning)
	}
	return e.StartFlow(logic)
}

// IssueCash issues quantity of currency, with this node as issuer, to
// recipient.
func (n *Node) IssueCash(quantity int64, currency string, recipient ir.Party) (*engine.Handle, error) {
	return n.StartFlow(&flows.CashIssue{Quantity: quantity, Currency: currency, Recipient: recipient})
}

// Pay moves quantity of currency from this node's vault to recipient.
func (n *Node) Pay(quantity int64, currency string, recipient ir.Party) (*engine.Handle, error) {
	return n.StartFlow(&flows.CashPayment{Quantity: quantity, Currency: currency, Recipient: recipient})
}

// RequestIssuance asks issuer to issue cash to this node. The flow
// completes with the transaction the issuer confirms.
func (n *Node) RequestIssuance(issuer ir.Party, quantity int64, currency string) (*engine.Handle, error) {
	return n.StartFlow(&flows.IssuanceRequester{
		Issuer: issuer,
		Request: flows.IssuanceRequest{
			Quantity: quantity,
			Currency: currency,
			IssueTo:  n.opts.Party,
		},
	})
}

// CreateDeal agrees a new deal with counterparty. The deal's linear id is
// the flow id.
func (n *Node) CreateDeal(counterparty ir.Party, terms flows.DealTerms) (*engine.Handle, error) {
	return n.StartFlow(&flows.CreateDeal{Counterparty: counterparty, Terms: terms})
}

// ReviseDeal proposes new terms for the current revision of the deal with
// linearID.
func (n *Node) ReviseDeal(linearID string, terms flows.DealTerms) (*engine.Handle, error) {
	current, err := n.vault.Current(linearID)
	if err != nil {
		return nil, fmt.Errorf("revise deal %s: %w", linearID, err)
	}
	n.mu.RLock()
	revision := n.revision
	n.mu.RUnlock()
	return n.StartFlow(revision.Instigator(current, terms))
}

// Kill terminates a live flow on this node.
func (n *Node) Kill(flowID string) bool {
	e := n.Engine()
	return e != nil && e.Kill(flowID)
}
