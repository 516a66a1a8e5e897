package store

import (
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/ledgerflow/internal/ir"
)

// memoryShards is the number of independently locked checkpoint partitions.
const memoryShards = 16

// MemoryStore is an in-memory implementation of the store contract.
//
// Checkpoints are partitioned by flow id across striped locks so writers for
// different flows rarely contend. The inbox has its own lock.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryStore struct {
	shards [memoryShards]checkpointShard
	seq    atomic.Int64

	inboxMu   sync.Mutex
	inbox     map[string]bufferedMessage
	processed map[string]struct{}
	inboxSeq  int64
}

type checkpointShard struct {
	mu          sync.Mutex
	checkpoints map[string]storedCheckpoint
}

type storedCheckpoint struct {
	cp  ir.Checkpoint
	id  string
	seq int64
}

type bufferedMessage struct {
	msg ir.SessionMessage
	seq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		inbox:     make(map[string]bufferedMessage),
		processed: make(map[string]struct{}),
	}
	for i := range m.shards {
		m.shards[i].checkpoints = make(map[string]storedCheckpoint)
	}
	return m
}

func shardFor(flowID string) int {
	h := fnv.New32a()
	h.Write([]byte(flowID))
	return int(h.Sum32() % memoryShards)
}

// lockShards locks the shards owning the given flow ids in index order and
// returns the matching unlock function.
func (m *MemoryStore) lockShards(flowIDs ...string) func() {
	idx := make([]int, 0, len(flowIDs))
	for _, id := range flowIDs {
		idx = append(idx, shardFor(id))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		m.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			m.shards[idx[j]].mu.Unlock()
		}
	}
}

// AddCheckpoint stores a checkpoint for its flow.
// Same contract as Store.AddCheckpoint.
func (m *MemoryStore) AddCheckpoint(_ context.Context, cp ir.Checkpoint) error {
	unlock := m.lockShards(cp.FlowID)
	defer unlock()

	if err := m.checkInsert(cp); err != nil {
		return fmt.Errorf("add checkpoint: %w", err)
	}
	m.insert(cp)
	return nil
}

// RemoveCheckpoint deletes the given snapshot.
// Same contract as Store.RemoveCheckpoint.
func (m *MemoryStore) RemoveCheckpoint(_ context.Context, cp ir.Checkpoint) error {
	unlock := m.lockShards(cp.FlowID)
	defer unlock()

	if err := m.checkDelete(cp); err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	delete(m.shards[shardFor(cp.FlowID)].checkpoints, cp.FlowID)
	return nil
}

// ReplaceCheckpoint atomically removes old, stores next and consumes a message.
// Same contract as Store.ReplaceCheckpoint.
func (m *MemoryStore) ReplaceCheckpoint(_ context.Context, old, next *ir.Checkpoint, consumedMessageID string) error {
	var ids []string
	if old != nil {
		ids = append(ids, old.FlowID)
	}
	if next != nil {
		ids = append(ids, next.FlowID)
	}
	unlock := m.lockShards(ids...)
	defer unlock()

	// Validate everything before mutating so a failure leaves no trace.
	if old != nil {
		if err := m.checkDelete(*old); err != nil {
			return fmt.Errorf("replace checkpoint: %w", err)
		}
	}
	if next != nil {
		sameFlow := old != nil && old.FlowID == next.FlowID
		if !sameFlow {
			if err := m.checkInsert(*next); err != nil {
				return fmt.Errorf("replace checkpoint: %w", err)
			}
		}
	}

	if old != nil {
		delete(m.shards[shardFor(old.FlowID)].checkpoints, old.FlowID)
	}
	if next != nil {
		m.insert(*next)
	}
	if consumedMessageID != "" {
		m.inboxMu.Lock()
		m.consume(consumedMessageID)
		m.inboxMu.Unlock()
	}
	return nil
}

// ListCheckpoints returns every stored checkpoint in write order.
func (m *MemoryStore) ListCheckpoints(_ context.Context) ([]ir.Checkpoint, error) {
	var stored []storedCheckpoint
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for _, sc := range sh.checkpoints {
			stored = append(stored, sc)
		}
		sh.mu.Unlock()
	}

	slices.SortFunc(stored, func(a, b storedCheckpoint) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]ir.Checkpoint, 0, len(stored))
	for _, sc := range stored {
		out = append(out, cloneCheckpoint(sc.cp))
	}
	return out, nil
}

// GetCheckpoint returns the checkpoint stored for a flow.
func (m *MemoryStore) GetCheckpoint(_ context.Context, flowID string) (ir.Checkpoint, error) {
	unlock := m.lockShards(flowID)
	defer unlock()

	sc, ok := m.shards[shardFor(flowID)].checkpoints[flowID]
	if !ok {
		return ir.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", flowID, ErrNotFound)
	}
	return cloneCheckpoint(sc.cp), nil
}

// checkInsert reports whether cp may be stored. Caller holds the shard lock.
// A nil return with an identical stored snapshot makes insert a no-op.
func (m *MemoryStore) checkInsert(cp ir.Checkpoint) error {
	existing, ok := m.shards[shardFor(cp.FlowID)].checkpoints[cp.FlowID]
	if ok && existing.id != cp.ID() {
		return fmt.Errorf("flow %s: %w", cp.FlowID, ErrConflict)
	}
	return nil
}

func (m *MemoryStore) checkDelete(cp ir.Checkpoint) error {
	existing, ok := m.shards[shardFor(cp.FlowID)].checkpoints[cp.FlowID]
	if !ok || existing.id != cp.ID() {
		return fmt.Errorf("flow %s: %w", cp.FlowID, ErrNotFound)
	}
	return nil
}

func (m *MemoryStore) insert(cp ir.Checkpoint) {
	sh := &m.shards[shardFor(cp.FlowID)]
	id := cp.ID()
	if existing, ok := sh.checkpoints[cp.FlowID]; ok && existing.id == id {
		return
	}
	sh.checkpoints[cp.FlowID] = storedCheckpoint{
		cp:  cloneCheckpoint(cp),
		id:  id,
		seq: m.seq.Add(1),
	}
}

// BufferMessage durably records an inbound message until a flow consumes it.
// Same contract as Store.BufferMessage.
func (m *MemoryStore) BufferMessage(_ context.Context, msg ir.SessionMessage) (bool, error) {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()

	if _, done := m.processed[msg.ID]; done {
		return false, nil
	}
	if _, buffered := m.inbox[msg.ID]; buffered {
		return false, nil
	}
	m.inboxSeq++
	m.inbox[msg.ID] = bufferedMessage{msg: msg, seq: m.inboxSeq}
	return true, nil
}

// BufferedMessages returns every unconsumed message in arrival order.
func (m *MemoryStore) BufferedMessages(_ context.Context) ([]ir.SessionMessage, error) {
	m.inboxMu.Lock()
	buffered := make([]bufferedMessage, 0, len(m.inbox))
	for _, bm := range m.inbox {
		buffered = append(buffered, bm)
	}
	m.inboxMu.Unlock()

	slices.SortFunc(buffered, func(a, b bufferedMessage) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]ir.SessionMessage, 0, len(buffered))
	for _, bm := range buffered {
		out = append(out, bm.msg)
	}
	return out, nil
}

// DiscardMessage drops a buffered message and refuses later redelivery.
func (m *MemoryStore) DiscardMessage(_ context.Context, messageID string) error {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	m.consume(messageID)
	return nil
}

// consume moves a message id to the processed set. Caller holds inboxMu.
func (m *MemoryStore) consume(messageID string) {
	delete(m.inbox, messageID)
	m.processed[messageID] = struct{}{}
}
