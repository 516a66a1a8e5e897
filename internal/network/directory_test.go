package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerflow/internal/ir"
)

func TestDirectory_LaterRegistrationOverwrites(t *testing.T) {
	d := NewDirectory()
	d.AddNode(NodeInfo{Party: "bank", Address: "inproc://old"})
	d.AddNode(NodeInfo{Party: "bank", Address: "inproc://new"})

	info, ok := d.Resolve("bank")
	require.True(t, ok)
	assert.Equal(t, "inproc://new", info.Address)
	assert.Len(t, d.Nodes(), 1)
}

func TestDirectory_RemoveAndNotaries(t *testing.T) {
	d := NewDirectory()
	d.AddNode(NodeInfo{Party: "notary", Notary: true})
	d.AddNode(NodeInfo{Party: "bob"})
	d.AddNode(NodeInfo{Party: "alice"})

	var parties []ir.Party
	for _, n := range d.Nodes() {
		parties = append(parties, n.Party)
	}
	assert.Equal(t, []ir.Party{"alice", "bob", "notary"}, parties)

	notaries := d.Notaries()
	require.Len(t, notaries, 1)
	assert.Equal(t, ir.Party("notary"), notaries[0].Party)

	d.RemoveNode("bob")
	_, ok := d.Resolve("bob")
	assert.False(t, ok)
}
