// Package finality notarises, records and broadcasts fully signed
// transactions. It is the only place a flow mutates the ledger.
package finality

import (
	"slices"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
)

// Flow names.
const (
	FlowName     = "finality"
	ReceiverName = "finality.receiver"
)

// Progress steps.
const (
	StepNotarising   = "Notarising transaction"
	StepRecording    = "Recording transaction"
	StepBroadcasting = "Broadcasting transaction"
)

const topic = "finalised"

// Register adds the finality flow and its responder to reg.
func Register(reg *engine.Registry) error {
	reg.Register(func() engine.Logic { return &Flow{} })
	reg.Register(func() engine.Logic { return &Receiver{} })
	return reg.RegisterResponder(FlowName, ReceiverName)
}

// Flow notarises Tx, records it in the local vault and sends it to every
// party in Broadcast. It completes with the notarised transaction.
//
// Tx must carry every required signature; the notary signature is added
// here. Nothing is recorded when notarisation fails.
type Flow struct {
	Tx        ledger.SignedTransaction `json:"tx"`
	Broadcast []ir.Party               `json:"broadcast,omitempty"`
}

func (f *Flow) FlowName() string { return FlowName }

func (f *Flow) Steps() []string {
	return []string{StepNotarising, StepRecording, StepBroadcasting}
}

func (f *Flow) Call(fc *engine.Context) engine.Outcome {
	if fc.Point() != engine.Start {
		return fc.Unknown()
	}
	svc, err := ledger.ServicesOf(fc.Services())
	if err != nil {
		return fc.Fail(err)
	}

	fc.Advance(StepNotarising)
	if missing := f.Tx.MissingSigners(); len(missing) > 0 {
		return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation,
			"transaction %s is missing signatures by %v", f.Tx.ID, missing))
	}
	sig, err := svc.Notary.Notarize(fc.Ctx(), f.Tx)
	if err != nil {
		if ledger.IsNotarizationError(err) {
			return fc.Fail(engine.WrapError(engine.KindNotarizationFailure, err))
		}
		return fc.Fail(err)
	}
	f.Tx = f.Tx.WithSignature(sig)

	fc.Advance(StepRecording)
	if err := svc.Vault.Record(f.Tx); err != nil {
		return fc.Fail(err)
	}

	fc.Advance(StepBroadcasting)
	for i, p := range f.Broadcast {
		if p == fc.Me() || slices.Contains(f.Broadcast[:i], p) {
			continue
		}
		if err := fc.Send(p, topic, f.Tx); err != nil {
			return fc.Fail(err)
		}
	}
	fc.Logger().Debug("transaction finalised", "tx_id", f.Tx.ID, "broadcast", len(f.Broadcast))
	return fc.Complete(f.Tx)
}

// Receiver records a transaction broadcast by a finality flow.
type Receiver struct {
	Tx ledger.SignedTransaction `json:"tx"`
}

func (r *Receiver) FlowName() string { return ReceiverName }

func (r *Receiver) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		return fc.Receive(fc.Counterparty(), topic, ledger.SignedTransaction{}, "received")

	case "received":
		if err := fc.Received(&r.Tx); err != nil {
			return fc.Fail(err)
		}
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if err := Verify(svc.Signer, r.Tx); err != nil {
			return fc.Fail(engine.WrapError(engine.KindProtocolViolation, err))
		}
		if err := svc.Vault.Record(r.Tx); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(r.Tx)
	}
	return fc.Unknown()
}

// Verify checks that stx is fully signed and notarised.
func Verify(s ledger.Signer, stx ledger.SignedTransaction) error {
	if err := ledger.VerifyTransaction(s, stx); err != nil {
		return err
	}
	if stx.Tx.Notary != "" && !stx.SignedBy(stx.Tx.Notary) {
		return engine.NewFlowError(engine.KindProtocolViolation, "transaction %s is not notarised", stx.ID)
	}
	return nil
}
