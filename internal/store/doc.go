// Package store provides durable storage for flow checkpoints and the
// inbound message inbox.
//
// Two implementations share one contract:
//   - Store: SQLite with WAL mode, used by nodes that must survive a restart
//   - MemoryStore: striped in-memory maps, used by tests and demos
//
// # Contract
//
// Checkpoints:
//   - At most one checkpoint per flow id
//   - Re-adding the same snapshot is a no-op; a different snapshot is ErrConflict
//   - Removing a snapshot that is not stored is ErrNotFound
//   - ReplaceCheckpoint swaps snapshots and consumes a message in one transaction
//
// Inbox:
//   - BufferMessage accepts a message id once; ids already consumed are refused
//   - BufferedMessages returns messages in arrival order
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Checkpoint identity is computed by ir.CheckpointID.
package store
