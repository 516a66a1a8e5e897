package replacement_test

import (
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/flows/finality"
	"github.com/roach88/ledgerflow/internal/flows/replacement"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
	"github.com/roach88/ledgerflow/internal/testutil"
)

const contractNote = "note"

// The note protocol replaces the text of a shared note. Every acceptor
// refuses "forbidden"; carol also refuses "carol objects".
var noteProtocol = notesFor("")

func notesFor(party ir.Party) replacement.Protocol[string] {
	return replacement.Protocol[string]{
		Name:     "note",
		Assemble: assembleNote,
		Validate: func(text string) bool {
			return text != "forbidden" && (party != "carol" || text != "carol objects")
		},
	}
}

func noteState(linearID, text string, parties ...ir.Party) ledger.State {
	data, _ := json.Marshal(text)
	return ledger.State{
		Contract:     contractNote,
		Participants: parties,
		LinearID:     linearID,
		Data:         data,
	}
}

func noteText(t *testing.T, s ledger.State) string {
	t.Helper()
	var text string
	require.NoError(t, json.Unmarshal(s.Data, &text))
	return text
}

func assembleNote(fc *engine.Context, original ledger.StateAndRef, text string) (ledger.WireTransaction, error) {
	svc, err := ledger.ServicesOf(fc.Services())
	if err != nil {
		return ledger.WireTransaction{}, err
	}
	parties := slices.Clone(original.State.Participants)
	return ledger.WireTransaction{
		Reference: fc.FlowID(),
		Inputs:    []ledger.StateRef{original.Ref},
		Outputs:   []ledger.State{noteState(original.State.LinearID, text, parties...)},
		Command:   "replace",
		Notary:    svc.Notary.Party(),
		Signers:   parties,
	}, nil
}

// rogueProposer sends a proposal whose transaction does not consume the
// state it claims to replace.
type rogueProposer struct {
	Peer     ir.Party                     `json:"peer"`
	Proposal replacement.Proposal[string] `json:"proposal"`
}

func (f *rogueProposer) FlowName() string { return "note.rogue" }

func (f *rogueProposer) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		return fc.SendAndReceive(f.Peer, "proposal", f.Proposal, replacement.Reply{}, "reply")
	case "reply":
		var r replacement.Reply
		if err := fc.Received(&r); err != nil {
			return fc.Fail(err)
		}
		return fc.Complete(r)
	}
	return fc.Unknown()
}

func register(party ir.Party, reg *engine.Registry) error {
	if err := finality.Register(reg); err != nil {
		return err
	}
	if err := notesFor(party).Register(reg); err != nil {
		return err
	}
	reg.Register(func() engine.Logic { return &rogueProposer{} })
	return reg.RegisterResponder("note.rogue", noteProtocol.AcceptorName())
}

// setup starts a cluster and shares one note between parties.
func setup(t *testing.T, parties ...ir.Party) (*testutil.Cluster, ledger.StateAndRef) {
	t.Helper()
	c := testutil.NewCluster(t, register, parties...)
	issued := c.Issue(t, parties[0], "create", noteState("note-1", "draft", parties...))
	return c, issued.OutRef(0)
}

func current(t *testing.T, c *testutil.Cluster, party ir.Party) ledger.StateAndRef {
	t.Helper()
	sr, err := c.Peer(t, party).Vault.Current("note-1")
	require.NoError(t, err)
	return sr
}

func TestProtocol_RegisterRequiresFields(t *testing.T) {
	reg := engine.NewRegistry()
	err := replacement.Protocol[string]{Name: "incomplete"}.Register(reg)
	assert.Error(t, err)
	assert.False(t, reg.Has("incomplete.instigator"))
}

func TestProtocol_Names(t *testing.T) {
	assert.Equal(t, "note.instigator", noteProtocol.InstigatorName())
	assert.Equal(t, "note.acceptor", noteProtocol.AcceptorName())
}

func TestReplacement_Accepted(t *testing.T) {
	c, original := setup(t, "alice", "bob")

	raw, err := c.Start(t, "alice", noteProtocol.Instigator(original, "final"))
	require.NoError(t, err)
	c.Quiesce(t)

	var stx ledger.SignedTransaction
	require.NoError(t, json.Unmarshal(raw, &stx))
	assert.Empty(t, stx.MissingSigners())
	assert.True(t, stx.SignedBy(testutil.NotaryParty))

	for _, p := range []ir.Party{"alice", "bob"} {
		sr := current(t, c, p)
		assert.Equal(t, stx.ID, sr.Ref.TxID, "party %s", p)
		assert.Equal(t, "final", noteText(t, sr.State))
	}

	_, locked := c.Peer(t, "alice").Vault.LockedBy(original.Ref)
	assert.False(t, locked)
}

func TestReplacement_RejectedLeavesLedgerUnchanged(t *testing.T) {
	c, original := setup(t, "alice", "bob")

	_, err := c.Start(t, "alice", noteProtocol.Instigator(original, "forbidden"))
	require.True(t, engine.IsKind(err, engine.KindValidationRejected), "got %v", err)

	var fe *engine.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ir.Party("bob"), fe.Remote)

	c.Quiesce(t)
	for _, p := range []ir.Party{"alice", "bob"} {
		assert.Equal(t, original.Ref, current(t, c, p).Ref, "party %s", p)
		assert.Len(t, c.Peer(t, p).Vault.Transactions(), 1)
	}
	_, locked := c.Peer(t, "alice").Vault.LockedBy(original.Ref)
	assert.False(t, locked)
}

func TestReplacement_LaterRejectionAbortsEarlierAcceptors(t *testing.T) {
	c, original := setup(t, "alice", "bob", "carol")

	// Bob signs first; carol then refuses.
	_, err := c.Start(t, "alice", noteProtocol.Instigator(original, "carol objects"))
	require.True(t, engine.IsKind(err, engine.KindValidationRejected), "got %v", err)

	var fe *engine.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ir.Party("carol"), fe.Remote)

	c.Quiesce(t)
	for _, p := range []ir.Party{"alice", "bob", "carol"} {
		assert.Equal(t, original.Ref, current(t, c, p).Ref, "party %s", p)
	}
}

func TestReplacement_ThreeParties(t *testing.T) {
	c, original := setup(t, "alice", "bob", "carol")

	raw, err := c.Start(t, "alice", noteProtocol.Instigator(original, "agreed"))
	require.NoError(t, err)
	c.Quiesce(t)

	var stx ledger.SignedTransaction
	require.NoError(t, json.Unmarshal(raw, &stx))
	for _, p := range []ir.Party{"alice", "bob", "carol"} {
		assert.True(t, stx.SignedBy(p), "signature by %s", p)
		assert.Equal(t, "agreed", noteText(t, current(t, c, p).State), "party %s", p)
	}
}

func TestReplacement_NotarizationFailureRecordsNothing(t *testing.T) {
	c, original := setup(t, "alice", "bob")

	// Consume the note behind the protocol's back.
	conflict := c.Sign(t, ledger.WireTransaction{
		Reference: "conflict",
		Inputs:    []ledger.StateRef{original.Ref},
		Command:   "exit",
		Notary:    testutil.NotaryParty,
		Signers:   []ir.Party{"alice"},
	}, "alice")
	_, err := c.Notary.Notarize(t.Context(), conflict)
	require.NoError(t, err)

	_, err = c.Start(t, "alice", noteProtocol.Instigator(original, "final"))
	require.True(t, engine.IsKind(err, engine.KindNotarizationFailure), "got %v", err)

	c.Quiesce(t)
	for _, p := range []ir.Party{"alice", "bob"} {
		assert.Equal(t, original.Ref, current(t, c, p).Ref, "party %s", p)
	}
}

func TestReplacement_StateOutsideInputsIsProtocolViolation(t *testing.T) {
	c, original := setup(t, "alice", "bob")

	// A transaction that creates a note without consuming the original.
	tx := c.Sign(t, ledger.WireTransaction{
		Reference: "rogue",
		Outputs:   []ledger.State{noteState("note-1", "hijacked", "alice", "bob")},
		Command:   "replace",
		Notary:    testutil.NotaryParty,
		Signers:   []ir.Party{"alice", "bob"},
	}, "alice")

	_, err := c.Start(t, "alice", &rogueProposer{
		Peer:     "bob",
		Proposal: replacement.Proposal[string]{StateRef: original.Ref, Modification: "hijacked", Tx: tx},
	})
	require.True(t, engine.IsKind(err, engine.KindProtocolViolation), "got %v", err)

	c.Quiesce(t)
	assert.Equal(t, original.Ref, current(t, c, "bob").Ref)
}

func TestReplacement_LockedOriginalFails(t *testing.T) {
	c, original := setup(t, "alice", "bob")
	require.NoError(t, c.Peer(t, "alice").Vault.SoftLock("other-flow", original.Ref))

	_, err := c.Start(t, "alice", noteProtocol.Instigator(original, "final"))
	require.Error(t, err)

	var locked *ledger.LockedError
	assert.ErrorAs(t, err, &locked, fmt.Sprintf("got %v", err))
	assert.Equal(t, original.Ref, current(t, c, "bob").Ref)
}
