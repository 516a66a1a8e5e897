package flows

import (
	"fmt"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows/finality"
	"github.com/roach88/ledgerflow/internal/flows/replacement"
)

// Register adds every built-in flow and responder to reg. validateRevision
// is the node's predicate for deal revisions proposed by counterparties.
// It returns the deal revision protocol for starting revisions.
func Register(reg *engine.Registry, validateRevision func(DealTerms) bool) (replacement.Protocol[DealTerms], error) {
	revision := RevisionProtocol(validateRevision)

	if err := finality.Register(reg); err != nil {
		return revision, fmt.Errorf("register finality: %w", err)
	}

	reg.Register(func() engine.Logic { return &CashIssue{} })
	reg.Register(func() engine.Logic { return &CashPayment{} })
	reg.Register(func() engine.Logic { return &IssuanceRequester{} })
	reg.Register(func() engine.Logic { return &Issuer{} })
	reg.Register(func() engine.Logic { return &CreateDeal{} })
	reg.Register(func() engine.Logic { return &DealAcceptor{} })

	if err := reg.RegisterResponder(IssuanceRequesterName, IssuerName); err != nil {
		return revision, err
	}
	if err := reg.RegisterResponder(CreateDealName, DealAcceptorName); err != nil {
		return revision, err
	}
	if err := revision.Register(reg); err != nil {
		return revision, fmt.Errorf("register %s: %w", RevisionName, err)
	}
	return revision, nil
}
