// Package ir holds the shared data model of the ledgerflow node: parties,
// checkpoints, session messages and the canonical JSON encoding used to
// derive content-addressed identifiers for them.
//
// This package imports nothing internal. Every other internal package may
// depend on it, which keeps the persisted and wire-level shapes in one place.
//
// Key design constraints:
//   - Identifiers that must survive a crash (message ids, session ids,
//     checkpoint ids) are derived from content, never from wall clocks or
//     random sources
//   - All JSON tags use snake_case
//   - Canonical JSON rejects floats so identical inputs always hash identically
package ir
