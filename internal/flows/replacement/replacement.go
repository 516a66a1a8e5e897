package replacement

import (
	"fmt"
	"slices"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows/finality"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
)

// Progress steps of the instigator.
const (
	StepAssembling = "Assembling proposal"
	StepCollecting = "Collecting signatures"
	StepFinalising = "Finalising transaction"
)

// Progress steps of the acceptor.
const (
	StepAwaiting  = "Awaiting proposal"
	StepVerifying = "Verifying proposal"
	StepSigning   = "Signing proposal"
	StepRecording = "Recording transaction"
)

const (
	topicProposal  = "proposal"
	topicFinalised = "finalised"
)

// Proposal is the modification the instigator asks a participant to accept.
// Tx replaces StateRef and carries the instigator's signature.
type Proposal[T any] struct {
	StateRef     ledger.StateRef          `json:"state_ref"`
	Modification T                        `json:"modification"`
	Tx           ledger.SignedTransaction `json:"tx"`
}

// Reply is the acceptor's answer: a co-signature or a rejection.
type Reply struct {
	Accepted  bool              `json:"accepted"`
	Signature *ledger.Signature `json:"signature,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// AssembleFunc builds the unsigned replacement of original and returns it
// with the parties that must sign it. Called on the instigator's node.
type AssembleFunc[T any] func(fc *engine.Context, original ledger.StateAndRef, modification T) (ledger.WireTransaction, error)

// Protocol binds the generic flows to one kind of modification.
type Protocol[T any] struct {
	// Name prefixes the flow names. It must be unique per registry.
	Name string

	// Assemble builds the replacement transaction.
	Assemble AssembleFunc[T]

	// Validate is the acceptor's business predicate. False rejects the
	// proposal without error.
	Validate func(T) bool
}

// InstigatorName returns the registered name of the instigator flow.
func (p Protocol[T]) InstigatorName() string { return p.Name + ".instigator" }

// AcceptorName returns the registered name of the acceptor flow.
func (p Protocol[T]) AcceptorName() string { return p.Name + ".acceptor" }

// Register adds both flows to reg and makes the acceptor answer the
// instigator.
func (p Protocol[T]) Register(reg *engine.Registry) error {
	if p.Name == "" || p.Assemble == nil || p.Validate == nil {
		return fmt.Errorf("replacement protocol %q: name, assemble and validate are required", p.Name)
	}
	reg.Register(func() engine.Logic { return &Instigator[T]{protocol: p} })
	reg.Register(func() engine.Logic { return &Acceptor[T]{protocol: p} })
	return reg.RegisterResponder(p.InstigatorName(), p.AcceptorName())
}

// Instigator returns a flow proposing modification of original.
func (p Protocol[T]) Instigator(original ledger.StateAndRef, modification T) *Instigator[T] {
	return &Instigator[T]{Original: original, Modification: modification, protocol: p}
}

// Instigator proposes a replacement to every other participant of the
// original state, collects their signatures and finalises the result.
// It completes with the notarised transaction.
type Instigator[T any] struct {
	Original     ledger.StateAndRef       `json:"original"`
	Modification T                        `json:"modification"`
	Tx           ledger.SignedTransaction `json:"tx"`
	Acceptors    []ir.Party               `json:"acceptors"`
	Next         int                      `json:"next"`

	protocol Protocol[T]
}

func (f *Instigator[T]) FlowName() string { return f.protocol.InstigatorName() }

func (f *Instigator[T]) Steps() []string {
	return []string{StepAssembling, StepCollecting, StepFinalising}
}

func (f *Instigator[T]) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		fc.Advance(StepAssembling)
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		// Released by the node when the flow terminates.
		if err := svc.Vault.SoftLock(fc.FlowID(), f.Original.Ref); err != nil {
			return fc.Fail(err)
		}
		wtx, err := f.protocol.Assemble(fc, f.Original, f.Modification)
		if err != nil {
			return fc.Fail(err)
		}
		if !wtx.HasInput(f.Original.Ref) {
			return fc.Fail(engine.NewFlowError(engine.KindInternal,
				"assembled transaction does not consume %s", f.Original.Ref))
		}
		stx, err := ledger.NewSignedTransaction(wtx)
		if err != nil {
			return fc.Fail(err)
		}
		sig, err := svc.Signer.Sign(fc.Me(), stx.ID)
		if err != nil {
			return fc.Fail(err)
		}
		f.Tx = stx.WithSignature(sig)
		for _, p := range f.Original.State.Participants {
			if p != fc.Me() && !slices.Contains(f.Acceptors, p) {
				f.Acceptors = append(f.Acceptors, p)
			}
		}
		fc.Advance(StepCollecting)
		return f.propose(fc)

	case "reply":
		var reply Reply
		if err := fc.Received(&reply); err != nil {
			return fc.Fail(err)
		}
		party := f.Acceptors[f.Next]
		if !reply.Accepted {
			fe := engine.NewFlowError(engine.KindValidationRejected, "%s rejected the proposal: %s", party, reply.Reason)
			fe.Remote = party
			return fc.Fail(fe)
		}
		if reply.Signature == nil || reply.Signature.By != party {
			return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation, "%s accepted without its signature", party))
		}
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if err := svc.Signer.Verify(*reply.Signature, f.Tx.ID); err != nil {
			return fc.Fail(engine.WrapError(engine.KindProtocolViolation, err))
		}
		f.Tx = f.Tx.WithSignature(*reply.Signature)
		f.Next++
		return f.propose(fc)

	case "finalised":
		if err := fc.SubResult(&f.Tx); err != nil {
			return fc.Fail(err)
		}
		for _, p := range f.Acceptors {
			if err := fc.Send(p, topicFinalised, f.Tx); err != nil {
				return fc.Fail(err)
			}
		}
		return fc.Complete(f.Tx)
	}
	return fc.Unknown()
}

// propose asks the next acceptor, or finalises once every acceptor signed.
func (f *Instigator[T]) propose(fc *engine.Context) engine.Outcome {
	if f.Next < len(f.Acceptors) {
		proposal := Proposal[T]{StateRef: f.Original.Ref, Modification: f.Modification, Tx: f.Tx}
		return fc.SendAndReceive(f.Acceptors[f.Next], topicProposal, proposal, Reply{}, "reply")
	}
	fc.Advance(StepFinalising)
	return fc.SubFlow(&finality.Flow{Tx: f.Tx}, "finalised")
}

// Acceptor validates a proposal, co-signs it and records the finalised
// transaction. It completes with the transaction, or with nil after a
// rejection.
type Acceptor[T any] struct {
	Proposal *Proposal[T] `json:"proposal,omitempty"`

	protocol Protocol[T]
}

func (f *Acceptor[T]) FlowName() string { return f.protocol.AcceptorName() }

func (f *Acceptor[T]) Steps() []string {
	return []string{StepAwaiting, StepVerifying, StepSigning, StepRecording}
}

func (f *Acceptor[T]) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		fc.Advance(StepAwaiting)
		return fc.Receive(fc.Counterparty(), topicProposal, Proposal[T]{}, "proposal")

	case "proposal":
		var p Proposal[T]
		if err := fc.Received(&p); err != nil {
			return fc.Fail(err)
		}
		f.Proposal = &p

		fc.Advance(StepVerifying)
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		if err := f.verify(fc, svc); err != nil {
			return fc.Fail(err)
		}
		if !f.protocol.Validate(p.Modification) {
			fc.Logger().Info("proposal rejected", "state_ref", p.StateRef.String())
			reply := Reply{Reason: fmt.Sprintf("modification of %s is not acceptable", p.StateRef)}
			if err := fc.Send(fc.Counterparty(), topicProposal, reply); err != nil {
				return fc.Fail(err)
			}
			return fc.Complete(nil)
		}

		fc.Advance(StepSigning)
		sig, err := svc.Signer.Sign(fc.Me(), p.Tx.ID)
		if err != nil {
			return fc.Fail(err)
		}
		if err := fc.Send(fc.Counterparty(), topicProposal, Reply{Accepted: true, Signature: &sig}); err != nil {
			return fc.Fail(err)
		}
		return fc.Receive(fc.Counterparty(), topicFinalised, ledger.SignedTransaction{}, "finalised")

	case "finalised":
		var stx ledger.SignedTransaction
		if err := fc.Received(&stx); err != nil {
			return fc.Fail(err)
		}
		fc.Advance(StepRecording)
		if stx.ID != f.Proposal.Tx.ID {
			return fc.Fail(engine.NewFlowError(engine.KindProtocolViolation,
				"finalised transaction %s is not the proposed %s", stx.ID, f.Proposal.Tx.ID))
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

// verify checks the structure of the received proposal. A state reference
// outside the declared inputs is a protocol violation, never a rejection.
func (f *Acceptor[T]) verify(fc *engine.Context, svc *ledger.Services) error {
	p := f.Proposal
	if !p.Tx.Tx.HasInput(p.StateRef) {
		return engine.NewFlowError(engine.KindProtocolViolation,
			"state %s is not an input of the proposed transaction", p.StateRef)
	}
	if !slices.Contains(p.Tx.Tx.Signers, fc.Me()) {
		return engine.NewFlowError(engine.KindProtocolViolation,
			"proposed transaction does not require a signature by %s", fc.Me())
	}
	if !p.Tx.SignedBy(fc.Counterparty()) {
		return engine.NewFlowError(engine.KindProtocolViolation,
			"proposed transaction is not signed by %s", fc.Counterparty())
	}
	allowMissing := append(p.Tx.MissingSigners(), p.Tx.Tx.Notary)
	if err := ledger.VerifyTransaction(svc.Signer, p.Tx, allowMissing...); err != nil {
		return engine.WrapError(engine.KindProtocolViolation, err)
	}
	return nil
}
