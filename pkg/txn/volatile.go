// Package txn implements the transaction-state side of the coordinator:
// the volatile/durable Tx Meta resolver, the finish protocol, the
// write-intent switch, and orphan-transaction recovery (spec §4.5–§4.7).
package txn

import (
	"sync"

	"github.com/distrikv/partd/pkg/types"
)

// VolatileStates is the process-wide map of Tx State Meta (spec §3).
// Entries are added by Enlist, moved to a final state by SetFinal, and
// removed by Forget (called when a finish is handled). The request
// handlers never call Enlist, so a transaction that has only written or
// scanned is not tracked here.
type VolatileStates struct {
	mu    sync.RWMutex
	metas map[types.TransactionID]types.TxStateMeta
}

// NewVolatileStates builds an empty volatile state table.
func NewVolatileStates() *VolatileStates {
	return &VolatileStates{metas: make(map[types.TransactionID]types.TxStateMeta)}
}

// Get returns the volatile state for txID, if tracked.
func (v *VolatileStates) Get(txID types.TransactionID) (types.TxStateMeta, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.metas[txID]
	return m, ok
}

// Enlist records a transaction's PENDING state on first write/scan,
// unless it is already tracked.
func (v *VolatileStates) Enlist(txID types.TransactionID, coordinatorNodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.metas[txID]; !ok {
		v.metas[txID] = types.TxStateMeta{State: types.TxStatePending, CoordinatorNodeID: coordinatorNodeID}
	}
}

// SetFinal records the final outcome for txID.
func (v *VolatileStates) SetFinal(txID types.TransactionID, state types.TxState, commitPartitionID uint32, commitTS types.HybridTimestamp) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.metas[txID] = types.TxStateMeta{State: state, CommitPartitionID: commitPartitionID, CommitTimestamp: commitTS}
}

// Forget discards txID's volatile state, once finish and cleanup have
// both completed.
func (v *VolatileStates) Forget(txID types.TransactionID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.metas, txID)
}
