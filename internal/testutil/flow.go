package testutil

import (
	"fmt"
	"sync"
)

// SequentialFlowGenerator generates flow ids "<prefix>-1", "<prefix>-2", ...
//
// This enables deterministic test execution and golden trace comparison.
// The same scenario with the same generator produces byte-identical traces.
//
// Unlike engine.FixedGenerator, which panics once its tokens run out, this
// generator never exhausts, so scenarios can start any number of flows.
//
// Thread-safety: SequentialFlowGenerator is safe for concurrent use.
type SequentialFlowGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int
}

// NewSequentialFlowGenerator creates a generator for prefix.
//
// If prefix is empty, ids are "test-flow-1", "test-flow-2", ...
func NewSequentialFlowGenerator(prefix string) *SequentialFlowGenerator {
	if prefix == "" {
		prefix = "test-flow"
	}
	return &SequentialFlowGenerator{prefix: prefix}
}

// Generate returns the next flow id.
//
// Implements engine.FlowIDGenerator.
func (g *SequentialFlowGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d", g.prefix, g.seq)
}

// Reset restarts the sequence. After Reset, the next id ends in 1.
func (g *SequentialFlowGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
