package ledger

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/ledgerflow/internal/ir"
)

// Vault tracks the unconsumed states relevant to one node.
type Vault interface {
	Current(linearID string) (StateAndRef, error)
	Unconsumed(contract string) []StateAndRef
	SoftLock(flowID string, refs ...StateRef) error
	ReleaseLocks(flowID string)
	Record(stx SignedTransaction) error
}

// MemoryVault is the in-process Vault of a node.
//
// Recording a transaction consumes its inputs and stores every output the
// node participates in. Soft locks reserve unconsumed states for a flow so
// that two concurrent spends never select the same input.
type MemoryVault struct {
	me ir.Party

	mu       sync.Mutex
	states   map[StateRef]State
	order    []StateRef
	consumed map[StateRef]struct{}
	locks    map[StateRef]string
	txs      map[string]SignedTransaction
	txOrder  []string
}

// NewMemoryVault creates an empty vault for party me.
func NewMemoryVault(me ir.Party) *MemoryVault {
	return &MemoryVault{
		me:       me,
		states:   make(map[StateRef]State),
		consumed: make(map[StateRef]struct{}),
		locks:    make(map[StateRef]string),
		txs:      make(map[string]SignedTransaction),
	}
}

// Record applies a finalised transaction. Recording it twice is a no-op.
func (v *MemoryVault) Record(stx SignedTransaction) error {
	if stx.ID == "" {
		return fmt.Errorf("record transaction: missing id")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.txs[stx.ID]; ok {
		return nil
	}
	v.txs[stx.ID] = stx
	v.txOrder = append(v.txOrder, stx.ID)

	for _, in := range stx.Tx.Inputs {
		v.consumed[in] = struct{}{}
		delete(v.states, in)
		delete(v.locks, in)
	}
	for i, out := range stx.Tx.Outputs {
		if !out.IsParticipant(v.me) && out.Owner != v.me {
			continue
		}
		ref := StateRef{TxID: stx.ID, Index: i}
		if _, gone := v.consumed[ref]; gone {
			continue
		}
		v.states[ref] = out
		v.order = append(v.order, ref)
	}
	return nil
}

// Current returns the unconsumed revision of a linear state.
func (v *MemoryVault) Current(linearID string) (StateAndRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, ref := range v.order {
		s, ok := v.states[ref]
		if ok && s.LinearID == linearID {
			return StateAndRef{State: s, Ref: ref}, nil
		}
	}
	return StateAndRef{}, fmt.Errorf("linear state %s: %w", linearID, ErrStateNotFound)
}

// Unconsumed returns every unconsumed state of a contract in recording order.
func (v *MemoryVault) Unconsumed(contract string) []StateAndRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unconsumedLocked(contract)
}

func (v *MemoryVault) unconsumedLocked(contract string) []StateAndRef {
	var out []StateAndRef
	for _, ref := range v.order {
		if s, ok := v.states[ref]; ok && s.Contract == contract {
			out = append(out, StateAndRef{State: s, Ref: ref})
		}
	}
	return out
}

// SoftLock reserves refs for flowID. Either every ref is locked or none is.
// Locking a ref the flow already holds succeeds.
func (v *MemoryVault) SoftLock(flowID string, refs ...StateRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, ref := range refs {
		if _, ok := v.states[ref]; !ok {
			return fmt.Errorf("soft lock %s: %w", ref, ErrStateNotFound)
		}
		if holder, ok := v.locks[ref]; ok && holder != flowID {
			return &LockedError{Ref: ref, FlowID: holder}
		}
	}
	for _, ref := range refs {
		v.locks[ref] = flowID
	}
	return nil
}

// ReleaseLocks drops every soft lock held by flowID.
func (v *MemoryVault) ReleaseLocks(flowID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for ref, holder := range v.locks {
		if holder == flowID {
			delete(v.locks, ref)
		}
	}
}

// LockedBy returns the flow holding a soft lock on ref, if any.
func (v *MemoryVault) LockedBy(ref StateRef) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	flowID, ok := v.locks[ref]
	return flowID, ok
}

// SelectCash picks unlocked cash states owned by owner until they cover
// quantity, and soft-locks them for flowID.
func (v *MemoryVault) SelectCash(flowID string, owner ir.Party, currency string, quantity int64) ([]StateAndRef, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		picked []StateAndRef
		total  int64
	)
	for _, sr := range v.unconsumedLocked(ContractCash) {
		if total >= quantity {
			break
		}
		amt := sr.State.Amount
		if amt == nil || sr.State.Owner != owner || amt.Currency != currency {
			continue
		}
		if holder, ok := v.locks[sr.Ref]; ok && holder != flowID {
			continue
		}
		picked = append(picked, sr)
		total += amt.Quantity
	}
	if total < quantity {
		return nil, 0, &InsufficientFundsError{Owner: owner, Currency: currency, Requested: quantity, Available: total}
	}
	for _, sr := range picked {
		v.locks[sr.Ref] = flowID
	}
	return picked, total, nil
}

// Balance sums the unconsumed cash of a currency owned by the vault's party.
func (v *MemoryVault) Balance(currency string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var total int64
	for _, sr := range v.unconsumedLocked(ContractCash) {
		if amt := sr.State.Amount; amt != nil && sr.State.Owner == v.me && amt.Currency == currency {
			total += amt.Quantity
		}
	}
	return total
}

// Transaction returns a recorded transaction by id.
func (v *MemoryVault) Transaction(id string) (SignedTransaction, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	stx, ok := v.txs[id]
	return stx, ok
}

// Transactions returns the ids of every recorded transaction in recording order.
func (v *MemoryVault) Transactions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.txOrder)
}

var _ CashVault = (*MemoryVault)(nil)
