package flows

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
	"github.com/roach88/ledgerflow/internal/testutil"
)

var swap = DealTerms{Reference: "IRS-7", Notional: 5_000_000, Currency: "EUR", FixedRateBps: 175}

func TestDealTerms_Validate(t *testing.T) {
	tests := []struct {
		name    string
		terms   DealTerms
		wantErr bool
	}{
		{"valid", swap, false},
		{"zero notional", DealTerms{Currency: "EUR"}, true},
		{"missing currency", DealTerms{Notional: 1}, true},
		{"negative rate", DealTerms{Notional: 1, Currency: "EUR", FixedRateBps: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.terms.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDealTermsOf(t *testing.T) {
	s, err := dealState("deal-1", []ir.Party{"alice", "bob"}, swap)
	require.NoError(t, err)

	got, err := DealTermsOf(s)
	require.NoError(t, err)
	assert.Equal(t, swap, got)

	_, err = DealTermsOf(cashOutput("alice", ledger.Amount{Quantity: 1, Currency: "USD"}))
	assert.Error(t, err)
}

func TestRevisionProtocol_Validate(t *testing.T) {
	p := RevisionProtocol(func(t DealTerms) bool { return t.FixedRateBps < 200 })

	assert.True(t, p.Validate(swap))
	assert.False(t, p.Validate(DealTerms{Notional: 1, Currency: "EUR", FixedRateBps: 300}))
	assert.False(t, p.Validate(DealTerms{}), "malformed terms never reach the predicate")

	open := RevisionProtocol(nil)
	assert.True(t, open.Validate(DealTerms{Notional: 1, Currency: "EUR", FixedRateBps: 9999}))
}

func TestCreateDeal(t *testing.T) {
	c := testutil.NewCluster(t, registerAll, "alice", "bob")

	raw, err := c.Start(t, "alice", &CreateDeal{Counterparty: "bob", Terms: swap, LinearID: "deal-42"})
	require.NoError(t, err)
	c.Quiesce(t)

	var stx ledger.SignedTransaction
	require.NoError(t, json.Unmarshal(raw, &stx))
	assert.True(t, stx.SignedBy("alice"))
	assert.True(t, stx.SignedBy("bob"))

	// The acceptor completes with the same notarised transaction.
	var accepted ledger.SignedTransaction
	acceptor := acceptorHandle(t, c, "bob", "alice-1")
	raw, err = acceptor.Result(t.Context())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &accepted))
	assert.Equal(t, stx.ID, accepted.ID)
	assert.True(t, accepted.SignedBy(testutil.NotaryParty))

	for _, p := range []ir.Party{"alice", "bob"} {
		cur, err := c.Peer(t, p).Vault.Current("deal-42")
		require.NoError(t, err, "party %s", p)
		terms, err := DealTermsOf(cur.State)
		require.NoError(t, err)
		assert.Equal(t, swap, terms)
	}
}

func TestCreateDeal_InvalidTerms(t *testing.T) {
	c := testutil.NewCluster(t, registerAll, "alice", "bob")

	_, err := c.Start(t, "alice", &CreateDeal{Counterparty: "bob", Terms: DealTerms{}})
	assert.True(t, engine.IsKind(err, engine.KindValidationRejected), "got %v", err)
}

func TestRevision_ViaRegisteredProtocol(t *testing.T) {
	var revision = RevisionProtocol(nil)
	c := testutil.NewCluster(t, registerAll, "alice", "bob")

	_, err := c.Start(t, "alice", &CreateDeal{Counterparty: "bob", Terms: swap, LinearID: "deal-9"})
	require.NoError(t, err)
	c.Quiesce(t)

	original, err := c.Peer(t, "alice").Vault.Current("deal-9")
	require.NoError(t, err)

	revised := swap
	revised.Notional = 6_000_000
	var flow *RevisionRequester = revision.Instigator(original, revised)
	_, err = c.Start(t, "alice", flow)
	require.NoError(t, err)
	c.Quiesce(t)

	cur, err := c.Peer(t, "bob").Vault.Current("deal-9")
	require.NoError(t, err)
	terms, err := DealTermsOf(cur.State)
	require.NoError(t, err)
	assert.Equal(t, revised, terms)
	assert.Equal(t, []ir.Party{"alice", "bob"}, cur.State.Participants)
}

// acceptorHandle finds the flow party started in answer to the first message
// of the flow initiatorID.
func acceptorHandle(t *testing.T, c *testutil.Cluster, party ir.Party, initiatorID string) *engine.Handle {
	t.Helper()
	id := engine.ResponderFlowID(ir.MessageID(initiatorID, 0))
	var h *engine.Handle
	require.Eventually(t, func() bool {
		var ok bool
		h, ok = c.Peer(t, party).Engine.Handle(id)
		return ok
	}, 5*time.Second, 5*time.Millisecond, "no acceptor on %s", party)
	return h
}

// unfinalisedDeal collects the counterparty's signature on a new deal and then
// gives up as if notarisation had failed.
type unfinalisedDeal struct {
	Peer ir.Party `json:"peer"`
}

func (f *unfinalisedDeal) FlowName() string { return "test.unfinalised_deal" }

func (f *unfinalisedDeal) Call(fc *engine.Context) engine.Outcome {
	switch fc.Point() {
	case engine.Start:
		svc, err := ledger.ServicesOf(fc.Services())
		if err != nil {
			return fc.Fail(err)
		}
		parties := []ir.Party{fc.Me(), f.Peer}
		state, err := dealState(fc.FlowID(), parties, swap)
		if err != nil {
			return fc.Fail(err)
		}
		stx, err := signInitial(svc, fc.Me(), ledger.WireTransaction{
			Reference: fc.FlowID(),
			Outputs:   []ledger.State{state},
			Command:   "create",
			Notary:    svc.Notary.Party(),
			Signers:   parties,
		})
		if err != nil {
			return fc.Fail(err)
		}
		return fc.SendAndReceive(f.Peer, topicDeal, stx, ledger.Signature{}, "signed")

	case "signed":
		var sig ledger.Signature
		if err := fc.Received(&sig); err != nil {
			return fc.Fail(err)
		}
		return fc.Fail(engine.NewFlowError(engine.KindNotarizationFailure, "notary unavailable"))
	}
	return fc.Unknown()
}

func registerWithUnfinalised(party ir.Party, reg *engine.Registry) error {
	if err := registerAll(party, reg); err != nil {
		return err
	}
	reg.Register(func() engine.Logic { return &unfinalisedDeal{} })
	return reg.RegisterResponder("test.unfinalised_deal", DealAcceptorName)
}

func TestDealAcceptor_FailsWhenDealIsNotFinalised(t *testing.T) {
	c := testutil.NewCluster(t, registerWithUnfinalised, "alice", "bob")

	h, err := c.Peer(t, "alice").Engine.StartFlow(&unfinalisedDeal{Peer: "bob"})
	require.NoError(t, err)
	_, err = h.Result(t.Context())
	require.True(t, engine.IsKind(err, engine.KindNotarizationFailure), "got %v", err)

	_, err = acceptorHandle(t, c, "bob", h.FlowID).Result(t.Context())
	assert.True(t, engine.IsKind(err, engine.KindNotarizationFailure), "got %v", err)

	c.Quiesce(t)
	for _, p := range []ir.Party{"alice", "bob"} {
		_, err := c.Peer(t, p).Vault.Current(h.FlowID)
		assert.Error(t, err, "party %s must not hold the deal", p)
	}
}
