package flows

import (
	"slices"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
)

// Flow names.
const (
	IssuanceRequesterName = "issuer.requester"
	IssuerName            = "issuer.issuer"
)

// Issuer progress steps.
const (
	StepAwaitingRequest = "Awaiting issuance request"
	StepSelfIssuing     = "Self issuing asset"
	StepTransferring    = "Transferring asset to issuance requester"
	StepConfirming      = "Confirming asset issuance to requester"
)

// IssuableCurrencies are the currencies an issuer accepts requests for.
var IssuableCurrencies = []string{"USD", "GBP", "EUR", "CHF"}

const topicIssue = "issue"

// IssuanceRequest asks an issuer for cash.
type IssuanceRequest struct {
	Quantity  int64    `json:"quantity"`
	Currency  string   `json:"currency"`
	IssueTo   ir.Party `json:"issue_to"`
	Reference string   `json:"reference,omitempty"`
}

// IssuanceRequester asks Issuer to issue cash and completes with the
// transaction the issuer confirms.
type IssuanceRequester struct {
	Request IssuanceRequest `json:"request"`
	Issuer  ir.Party        `json:"issuer"`
}

func (f *IssuanceRequester) FlowName() string { return IssuanceRequesterName }

func (f *IssuanceRequester) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		return fc.SendAndReceive(f.Issuer, topicIssue, f.Request, ledger.SignedTransaction{}, "confirmed")
	case "confirmed":
		var stx ledger.SignedTransaction
		if err := fc.Received(&stx); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(stx)
	}
	return fc.Unknown()
}

// Issuer serves one issuance request: it issues the cash to itself and then
// pays it to the requester.
//
// When the request names the issuer itself as recipient the payment is
// skipped and the issuance transaction is confirmed directly. This changes
// which sub-flows run, so it is an explicit branch rather than a side effect
// of paying oneself.
type Issuer struct {
	Request IssuanceRequest          `json:"request"`
	Tx      ledger.SignedTransaction `json:"tx"`
}

func (f *Issuer) FlowName() string { return IssuerName }

func (f *Issuer) Steps() []string {
	return []string{StepAwaitingRequest, StepSelfIssuing, StepTransferring, StepConfirming}
}

func (f *Issuer) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		fc.Advance(StepAwaitingRequest)
		return fc.Receive(fc.Counterparty(), topicIssue, IssuanceRequest{}, "request")

	case "request":
		if err := fc.Received(&f.Request); err != nil {
			return fc.Fail(err)
		}
		if !slices.Contains(IssuableCurrencies, f.Request.Currency) {
			return fc.Fail(engine.NewFlowError(engine.KindValidationRejected,
				"currency must be one of %v", IssuableCurrencies))
		}
		fc.Advance(StepSelfIssuing)
		return fc.SubFlow(&CashIssue{
			Quantity:  f.Request.Quantity,
			Currency:  f.Request.Currency,
			Recipient: fc.Me(),
			Reference: f.Request.Reference,
		}, "issued")

	case "issued":
		if err := fc.SubResult(&f.Tx); err != nil {
			return fc.Fail(err)
		}
		if f.Request.IssueTo == fc.Me() {
			// Self issuance: the cash already belongs to its recipient.
			return f.confirm(fc)
		}
		fc.Advance(StepTransferring)
		return fc.SubFlow(&CashPayment{
			Quantity:  f.Request.Quantity,
			Currency:  f.Request.Currency,
			Recipient: fc.Counterparty(),
		}, "transferred")

	case "transferred":
		if err := fc.SubResult(&f.Tx); err != nil {
			return fc.Fail(err)
		}
		return f.confirm(fc)
	}
	return fc.Unknown()
}

func (f *Issuer) confirm(fc *engine.Context) engine.Outcome {
	fc.Advance(StepConfirming)
	if err := fc.Send(fc.Counterparty(), topicIssue, f.Tx); err != nil {
		return fc.Fail(err)
	}
	return fc.Complete(f.Tx)
}
