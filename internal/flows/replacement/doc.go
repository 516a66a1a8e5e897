// Package replacement implements the two-party state replacement protocol:
// an instigator proposes a modification of one ledger state, every other
// participant validates and co-signs it, and the instigator notarises and
// finalises the transaction.
//
// The protocol owns suspension, resumption and failure handling. A concrete
// protocol supplies only how the transaction is assembled and how a proposed
// modification is judged:
//
//	p := replacement.Protocol[Terms]{
//		Name:     "deal.revision",
//		Assemble: assembleRevision,
//		Validate: func(t Terms) bool { return t.Notional > 0 },
//	}
//	if err := p.Register(reg); err != nil { ... }
//	h, err := e.StartFlow(p.Instigator(current, newTerms))
//
// Either every participant records the finalised transaction or none does.
package replacement
