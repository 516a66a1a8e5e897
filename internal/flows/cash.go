package flows

import (
	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows/finality"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
)

// Flow names.
const (
	CashIssueName   = "cash.issue"
	CashPaymentName = "cash.payment"
)

// Progress steps shared by the cash flows.
const (
	StepGenerating = "Generating transaction"
	StepSigning    = "Signing transaction"
	StepFinalising = "Finalising transaction"
)

var cashSteps = []string{StepGenerating, StepSigning, StepFinalising}

// CashIssue issues new cash, with this node as issuer, to Recipient.
// It completes with the finalised transaction.
type CashIssue struct {
	Quantity  int64    `json:"quantity"`
	Currency  string   `json:"currency"`
	Recipient ir.Party `json:"recipient"`
	Reference string   `json:"reference,omitempty"`
}

func (f *CashIssue) FlowName() string { return CashIssueName }

func (f *CashIssue) Steps() []string { return cashSteps }

func (f *CashIssue) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if f.Quantity <= 0 {
			return fc.Fail(engine.NewFlowError(engine.KindValidationRejected, "cannot issue %d %s", f.Quantity, f.Currency))
		}

		fc.Advance(StepGenerating)
		ref := f.Reference
		if ref == "" {
			ref = fc.FlowID()
		}
		wtx := ledger.WireTransaction{
			Reference: ref,
			Outputs: []ledger.State{cashOutput(f.Recipient, ledger.Amount{
				Quantity: f.Quantity, Currency: f.Currency, Issuer: fc.Me(),
			})},
			Command: "issue",
			Notary:  svc.Notary.Party(),
			Signers: []ir.Party{fc.Me()},
		}

		fc.Advance(StepSigning)
		stx, err := signInitial(svc, fc.Me(), wtx)
		if err != nil {
			return fc.Fail(err)
		}

		fc.Advance(StepFinalising)
		return fc.SubFlow(&finality.Flow{Tx: stx, Broadcast: []ir.Party{f.Recipient}}, "finalised")

	case "finalised":
		var stx ledger.SignedTransaction
		if err := fc.SubResult(&stx); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(stx)
	}
	return fc.Unknown()
}

// CashPayment pays Quantity of Currency from this node's vault to Recipient.
// Selected inputs are soft-locked until the flow ends; any excess comes back
// to the payer as change.
type CashPayment struct {
	Quantity  int64    `json:"quantity"`
	Currency  string   `json:"currency"`
	Recipient ir.Party `json:"recipient"`
}

func (f *CashPayment) FlowName() string { return CashPaymentName }

func (f *CashPayment) Steps() []string { return cashSteps }

func (f *CashPayment) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if f.Quantity <= 0 {
			return fc.Fail(engine.NewFlowError(engine.KindValidationRejected, "cannot pay %d %s", f.Quantity, f.Currency))
		}

		fc.Advance(StepGenerating)
		inputs, _, err := svc.Vault.SelectCash(fc.FlowID(), fc.Me(), f.Currency, f.Quantity)
		if err != nil {
			return fc.Fail(engine.WrapError(engine.KindInsufficientFunds, err))
		}
		wtx := ledger.WireTransaction{
			Reference: fc.FlowID(),
			Command:   "move",
			Notary:    svc.Notary.Party(),
			Signers:   []ir.Party{fc.Me()},
		}
		wtx.Inputs, wtx.Outputs = spend(inputs, f.Quantity, f.Recipient, fc.Me())

		fc.Advance(StepSigning)
		stx, err := signInitial(svc, fc.Me(), wtx)
		if err != nil {
			return fc.Fail(err)
		}

		fc.Advance(StepFinalising)
		return fc.SubFlow(&finality.Flow{Tx: stx, Broadcast: []ir.Party{f.Recipient}}, "finalised")

	case "finalised":
		var stx ledger.SignedTransaction
		if err := fc.SubResult(&stx); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(stx)
	}
	return fc.Unknown()
}

// spend moves quantity from inputs to recipient. Outputs are kept per issuer
// and whatever is left of each issuer's inputs returns to payer as change.
func spend(inputs []ledger.StateAndRef, quantity int64, recipient, payer ir.Party) ([]ledger.StateRef, []ledger.State) {
	var (
		refs    []ledger.StateRef
		issuers []ir.Party
		totals  = make(map[ledger.Amount]int64)
	)
	currency := ""
	for _, in := range inputs {
		refs = append(refs, in.Ref)
		amt := *in.State.Amount
		currency = amt.Currency
		key := ledger.Amount{Currency: amt.Currency, Issuer: amt.Issuer}
		if _, seen := totals[key]; !seen {
			issuers = append(issuers, amt.Issuer)
		}
		totals[key] += amt.Quantity
	}

	var pay, change []ledger.State
	remaining := quantity
	for _, issuer := range issuers {
		have := totals[ledger.Amount{Currency: currency, Issuer: issuer}]
		paid := min(have, remaining)
		remaining -= paid
		if paid > 0 {
			pay = append(pay, cashOutput(recipient, ledger.Amount{Quantity: paid, Currency: currency, Issuer: issuer}))
		}
		if have > paid {
			change = append(change, cashOutput(payer, ledger.Amount{Quantity: have - paid, Currency: currency, Issuer: issuer}))
		}
	}
	return refs, append(pay, change...)
}

func cashOutput(owner ir.Party, amt ledger.Amount) ledger.State {
	return ledger.State{
		Contract:     ledger.ContractCash,
		Participants: []ir.Party{owner},
		Owner:        owner,
		Amount:       &amt,
	}
}

// signInitial computes the transaction id and signs it as me.
func signInitial(svc *ledger.Services, me ir.Party, wtx ledger.WireTransaction) (ledger.SignedTransaction, error) {
	stx, err := ledger.NewSignedTransaction(wtx)
	if err != nil {
		return ledger.SignedTransaction{}, err
	}
	sig, err := svc.Signer.Sign(me, stx.ID)
	if err != nil {
		return ledger.SignedTransaction{}, err
	}
	return stx.WithSignature(sig), nil
}
