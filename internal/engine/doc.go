// Package engine implements the durable, suspendable flow engine.
//
// A flow is a multi-step protocol a node runs with its counterparties. Flow
// logic is written as an explicit state machine: Call is invoked with the
// frame's resume point and returns an Outcome (receive, sub-flow, complete or
// fail). Everything a flow needs to resume lives in its exported fields,
// which are serialized into every checkpoint.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Instance lifecycle (start, suspend, resume, kill, terminate) is decided in
// a single goroutine. Flow logic runs on a bounded worker pool. This ensures:
// - At most one worker runs a given flow at a time
// - Message matching sees a consistent view of every flow
// - A suspended flow costs no goroutine
//
// Segment Lifecycle:
// 1. The loop dispatches a flow to a worker (start, resume or kill)
// 2. The worker runs Call until the flow awaits a message or terminates
// 3. Queued sends are flushed, then the checkpoint is committed
// 4. The worker reports to the loop, which matches pending messages
//
// CRITICAL PATTERNS:
//
// Checkpoint Before Suspend:
// The awaiting checkpoint is committed before the loop learns the flow is
// suspended. A reply can never resume a suspension that is not durable.
//
// Deterministic Message Ids:
// Message ids derive from the sending flow id and its send sequence. A flow
// replaying a segment after a crash re-sends the same ids, and the receiving
// store refuses ids it has already buffered or consumed.
//
// Atomic Consumption:
// A resumed flow writes a checkpoint recording the received payload in the
// same transaction that consumes the message. After a crash the flow either
// still awaits (message still buffered) or has the payload.
//
// Recovery:
// Run restores every stored checkpoint through the Registry, rebuilds session
// routing and re-offers buffered messages in arrival order before accepting
// new events.
package engine
