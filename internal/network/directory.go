package network

import (
	"slices"
	"strings"
	"sync"

	"github.com/roach88/ledgerflow/internal/ir"
)

// NodeInfo describes one node on the network map.
type NodeInfo struct {
	Party   ir.Party `json:"party"`
	Address string   `json:"address"`
	Notary  bool     `json:"notary,omitempty"`
}

// Directory is the network map cache: the parties a node knows how to reach.
// A later registration of a party replaces the earlier one.
type Directory struct {
	mu    sync.RWMutex
	nodes map[ir.Party]NodeInfo
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{nodes: make(map[ir.Party]NodeInfo)}
}

// AddNode registers or replaces a node.
func (d *Directory) AddNode(info NodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[info.Party] = info
}

// RemoveNode forgets a node.
func (d *Directory) RemoveNode(party ir.Party) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, party)
}

// Resolve returns the registration of party.
func (d *Directory) Resolve(party ir.Party) (NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.nodes[party]
	return info, ok
}

// Nodes returns every registered node ordered by party.
func (d *Directory) Nodes() []NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]NodeInfo, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int {
		return strings.Compare(string(a.Party), string(b.Party))
	})
	return out
}

// Notaries returns the registered notary nodes ordered by party.
func (d *Directory) Notaries() []NodeInfo {
	var out []NodeInfo
	for _, n := range d.Nodes() {
		if n.Notary {
			out = append(out, n)
		}
	}
	return out
}
