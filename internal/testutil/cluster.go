package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/engine"
	"github.com/roach88/ledgerflow/internal/ir"
	"github.com/roach88/ledgerflow/internal/ledger"
	"github.com/roach88/ledgerflow/internal/logging"
	"github.com/roach88/ledgerflow/internal/network"
	"github.com/roach88/ledgerflow/internal/store"
)

// NotaryParty is the notary of every test cluster.
const NotaryParty ir.Party = "notary"

// Peer is one engine of a test cluster with its ledger services.
type Peer struct {
	Party  ir.Party
	Engine *engine.Engine
	Vault  *ledger.MemoryVault
	Store  *store.MemoryStore
}

// Cluster runs one engine per party on a shared in-process network with a
// shared key store and notary. Engines stop when the test ends.
type Cluster struct {
	Net    *network.Network
	Keys   *ledger.KeyStore
	Notary *ledger.MemoryNotary
	peers  map[ir.Party]*Peer
}

// RegisterFunc populates the flow registry of party's engine.
type RegisterFunc func(party ir.Party, reg *engine.Registry) error

// NewCluster starts an engine for each party.
func NewCluster(t testing.TB, register RegisterFunc, parties ...ir.Party) *Cluster {
	t.Helper()
	keys := ledger.NewKeyStore()
	c := &Cluster{
		Net:    network.New(network.WithLogger(logging.NewNop())),
		Keys:   keys,
		Notary: ledger.NewMemoryNotary(NotaryParty, keys),
		peers:  make(map[ir.Party]*Peer),
	}
	t.Cleanup(c.Net.Close)

	for _, p := range parties {
		reg := engine.NewRegistry()
		require.NoError(t, register(p, reg))

		vault := ledger.NewMemoryVault(p)
		st := store.NewMemoryStore()
		e := engine.New(st, reg, c.Net.Messaging(),
			engine.WithParty(p),
			engine.WithWorkers(4),
			engine.WithLogger(logging.NewNop()),
			engine.WithFlowIDGenerator(NewSequentialFlowGenerator(string(p))),
			engine.WithServices(&ledger.Services{Signer: keys, Notary: c.Notary, Vault: vault}),
			engine.WithTerminationHook(vault.ReleaseLocks),
		)

		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = e.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			select {
			case <-e.Stopped():
			case <-time.After(5 * time.Second):
				t.Errorf("engine %s did not stop", p)
			}
		})

		c.Net.Join(p, e)
		c.peers[p] = &Peer{Party: p, Engine: e, Vault: vault, Store: st}
	}
	return c
}

// Peer returns the peer for party. It fails the test for unknown parties.
func (c *Cluster) Peer(t testing.TB, party ir.Party) *Peer {
	t.Helper()
	p, ok := c.peers[party]
	require.True(t, ok, "no peer %s", party)
	return p
}

// Start starts logic on party's engine and waits for its result.
func (c *Cluster) Start(t testing.TB, party ir.Party, logic engine.Logic) (json.RawMessage, error) {
	t.Helper()
	h, err := c.Peer(t, party).Engine.StartFlow(logic)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Result(ctx)
}

// Quiesce waits until no peer holds a checkpoint or a buffered message and
// the network has nothing in flight.
func (c *Cluster) Quiesce(t testing.TB) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range c.peers {
			if c.Net.Pending(p.Party) > 0 {
				return false
			}
			cps, err := p.Store.ListCheckpoints(context.Background())
			if err != nil || len(cps) > 0 {
				return false
			}
			msgs, err := p.Store.BufferedMessages(context.Background())
			if err != nil || len(msgs) > 0 {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)
}

// Issue finalises a transaction creating outputs, signed by issuer, and
// records it on every participant. Returns the finalised transaction.
func (c *Cluster) Issue(t testing.TB, issuer ir.Party, command string, outputs ...ledger.State) ledger.SignedTransaction {
	t.Helper()
	var audience []ir.Party
	for _, s := range outputs {
		audience = append(audience, s.Participants...)
	}
	stx := c.Sign(t, ledger.WireTransaction{
		Reference: t.Name(),
		Outputs:   outputs,
		Command:   command,
		Notary:    NotaryParty,
		Signers:   []ir.Party{issuer},
	}, issuer)

	sig, err := c.Notary.Notarize(context.Background(), stx)
	require.NoError(t, err)
	stx = stx.WithSignature(sig)

	for _, p := range audience {
		if peer, ok := c.peers[p]; ok {
			require.NoError(t, peer.Vault.Record(stx))
		}
	}
	return stx
}

// Sign builds the signed form of wtx with signatures by signers.
func (c *Cluster) Sign(t testing.TB, wtx ledger.WireTransaction, signers ...ir.Party) ledger.SignedTransaction {
	t.Helper()
	stx, err := ledger.NewSignedTransaction(wtx)
	require.NoError(t, err)
	for _, s := range signers {
		sig, err := c.Keys.Sign(s, stx.ID)
		require.NoError(t, err)
		stx = stx.WithSignature(sig)
	}
	return stx
}
