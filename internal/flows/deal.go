package flows

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows/finality"
	"github.com/roach88/ledgerflow/internal/flows/replacement"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
)

// Flow names.
const (
	CreateDealName   = "deal.create"
	DealAcceptorName = "deal.accept"
	RevisionName     = "deal.revision"
)

const (
	topicDeal          = "deal"
	topicDealFinalised = "deal.finalised"
)

// DealTerms are the economic terms of a bilateral deal.
type DealTerms struct {
	Reference    string `json:"reference"`
	Notional     int64  `json:"notional"`
	Currency     string `json:"currency"`
	FixedRateBps int64  `json:"fixed_rate_bps"`
}

// Validate reports whether the terms are well formed.
func (t DealTerms) Validate() error {
	switch {
	case t.Notional <= 0:
		return fmt.Errorf("notional must be positive, got %d", t.Notional)
	case t.Currency == "":
		return fmt.Errorf("currency is required")
	case t.FixedRateBps < 0:
		return fmt.Errorf("fixed rate must not be negative, got %d", t.FixedRateBps)
	}
	return nil
}

// DealTermsOf decodes the terms of a deal state.
func DealTermsOf(s ledger.State) (DealTerms, error) {
	var t DealTerms
	if s.Contract != ledger.ContractDeal {
		return t, fmt.Errorf("state is a %s, not a deal", s.Contract)
	}
	if err := json.Unmarshal(s.Data, &t); err != nil {
		return t, fmt.Errorf("decode deal terms: %w", err)
	}
	return t, nil
}

func dealState(linearID string, participants []ir.Party, terms DealTerms) (ledger.State, error) {
	data, err := json.Marshal(terms)
	if err != nil {
		return ledger.State{}, fmt.Errorf("encode deal terms: %w", err)
	}
	return ledger.State{
		Contract:     ledger.ContractDeal,
		Participants: participants,
		LinearID:     linearID,
		Data:         data,
	}, nil
}

// CreateDeal agrees a new deal with Counterparty and finalises it. The deal's
// linear id defaults to the flow id. Completes with the finalised transaction,
// which is also sent to the counterparty on the deal session.
type CreateDeal struct {
	Counterparty ir.Party                 `json:"counterparty"`
	Terms        DealTerms                `json:"terms"`
	LinearID     string                   `json:"linear_id,omitempty"`
	Tx           ledger.SignedTransaction `json:"tx"`
}

func (f *CreateDeal) FlowName() string { return CreateDealName }

func (f *CreateDeal) Steps() []string { return cashSteps }

func (f *CreateDeal) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if err := f.Terms.Validate(); err != nil {
			return fc.Fail(engine.WrapError(engine.KindValidationRejected, err))
		}

		fc.Advance(StepGenerating)
		if f.LinearID == "" {
			f.LinearID = fc.FlowID()
		}
		parties := []ir.Party{fc.Me(), f.Counterparty}
		state, err := dealState(f.LinearID, parties, f.Terms)
		if err != nil {
			return fc.Fail(err)
		}
		wtx := ledger.WireTransaction{
			Reference: fc.FlowID(),
			Outputs:   []ledger.State{state},
			Command:   "create",
			Notary:    svc.Notary.Party(),
			Signers:   parties,
		}

		fc.Advance(StepSigning)
		f.Tx, err = signInitial(svc, fc.Me(), wtx)
		if err != nil {
			return fc.Fail(err)
		}
		return fc.SendAndReceive(f.Counterparty, topicDeal, f.Tx, ledger.Signature{}, "signed")

	case "signed":
		var sig ledger.Signature
		if err := fc.Received(&sig); err != nil {
			return fc.Fail(err)
		}
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if sig.By != f.Counterparty {
			return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation, "expected a signature by %s, got %s", f.Counterparty, sig.By))
		}
		if err := svc.Signer.Verify(sig, f.Tx.ID); err != nil {
			return fc.Fail(engine.WrapError(engine.KindProtocolViolation, err))
		}
		f.Tx = f.Tx.WithSignature(sig)

		fc.Advance(StepFinalising)
		return fc.SubFlow(&finality.Flow{Tx: f.Tx}, "finalised")

	case "finalised":
		if err := fc.SubResult(&f.Tx); err != nil {
			return fc.Fail(err)
		}
		if err := fc.Send(f.Counterparty, topicDealFinalised, f.Tx); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(f.Tx)
	}
	return fc.Unknown()
}

// DealAcceptor co-signs a proposed deal after checking its terms, then waits
// for the notarised deal and records it. It fails when the proposer fails to
// finalise, so both sides see the same outcome.
type DealAcceptor struct {
	TxID string `json:"tx_id,omitempty"`
}

func (f *DealAcceptor) FlowName() string { return DealAcceptorName }

func (f *DealAcceptor) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		return fc.Receive(fc.Counterparty(), topicDeal, ledger.SignedTransaction{}, "proposed")

	case "proposed":
		var stx ledger.SignedTransaction
		if err := fc.Received(&stx); err != nil {
			return fc.Fail(err)
		}
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if err := ledger.VerifyTransaction(svc.Signer, stx, fc.Me(), stx.Tx.Notary); err != nil {
			return fc.Fail(engine.WrapError(engine.KindProtocolViolation, err))
		}
		if len(stx.Tx.Outputs) != 1 || len(stx.Tx.Inputs) != 0 {
			return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation, "a new deal has no inputs and one output"))
		}
		deal := stx.Tx.Outputs[0]
		if !deal.IsParticipant(fc.Me()) || !slices.Contains(stx.Tx.Signers, fc.Me()) {
			return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation, "%s is not a party to the deal", fc.Me()))
		}
		terms, err := DealTermsOf(deal)
		if err != nil {
			return fc.Fail(engine.WrapError(engine.KindProtocolViolation, err))
		}
		if err := terms.Validate(); err != nil {
			return fc.Fail(engine.WrapError(engine.KindValidationRejected, err))
		}

		sig, err := svc.Signer.Sign(fc.Me(), stx.ID)
		if err != nil {
			return fc.Fail(err)
		}
		if err := fc.Send(fc.Counterparty(), topicDeal, sig); err != nil {
			return fc.Fail(err)
		}
		f.TxID = stx.ID
		return fc.Receive(fc.Counterparty(), topicDealFinalised, ledger.SignedTransaction{}, "finalised")

	case "finalised":
		var stx ledger.SignedTransaction
		if err := fc.Received(&stx); err != nil {
			return fc.Fail(err)
		}
		if stx.ID != f.TxID {
			return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation,
				"finalised deal %s is not the signed %s", stx.ID, f.TxID))
		}
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if err := finality.Verify(svc.Signer, stx); err != nil {
			return fc.Fail(engine.WrapError(engine.KindProtocolViolation, err))
		}
		if err := svc.Vault.Record(stx); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(stx)
	}
	return fc.Unknown()
}

// RevisionRequester proposes new terms for an existing deal.
type RevisionRequester = replacement.Instigator[DealTerms]

// RevisionReceiver validates and co-signs proposed deal terms.
type RevisionReceiver = replacement.Acceptor[DealTerms]

// RevisionProtocol is the state replacement protocol over deal terms.
// validate is the receiving node's business predicate; terms that are not
// well formed are rejected before it is consulted.
func RevisionProtocol(validate func(DealTerms) bool) replacement.Protocol[DealTerms] {
	return replacement.Protocol[DealTerms]{
		Name:     RevisionName,
		Assemble: assembleRevision,
		Validate: func(t DealTerms) bool {
			if t.Validate() != nil {
				return false
			}
			return validate == nil || validate(t)
		},
	}
}

// assembleRevision replaces the terms of a deal, keeping its linear id and
// participants. Every participant signs.
func assembleRevision(fc *engine.Context, original ledger.StateAndRef, terms DealTerms) (ledger.WireTransaction, error) {
	svc, err := ledger.ServicesOf(fc.Services())
	if err != nil {
		return ledger.WireTransaction{}, err
	}
	if _, err := DealTermsOf(original.State); err != nil {
		return ledger.WireTransaction{}, err
	}
	parties := slices.Clone(original.State.Participants)
	revised, err := dealState(original.State.LinearID, parties, terms)
	if err != nil {
		return ledger.WireTransaction{}, err
	}
	return ledger.WireTransaction{
		Reference: fc.FlowID(),
		Inputs:    []ledger.StateRef{original.Ref},
		Outputs:   []ledger.State{revised},
		Command:   "revise",
		Notary:    svc.Notary.Party(),
		Signers:   parties,
	}, nil
}
