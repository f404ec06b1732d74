package mvcc

import (
	"context"
	"sync"

	"github.com/distrikv/partd/pkg/types"
)

// TxStateResolver looks up a transaction's current state, recovering it
// from durable storage (and triggering orphan recovery) when the
// volatile view does not have it — spec §4.8 calls this
// transactionStateResolver.resolveTxState.
type TxStateResolver interface {
	ResolveTxState(ctx context.Context, txID types.TransactionID, commitPartitionID uint32, readTS *types.HybridTimestamp) (state types.TxState, commitTS types.HybridTimestamp, err error)
}

// IntentSwitcher schedules the asynchronous write-intent switch a reader
// triggers after resolving a committed intent, so the next reader does
// not pay resolution cost again (spec §4.8).
type IntentSwitcher interface {
	ScheduleSwitch(txID types.TransactionID, rowID types.RowID, commit bool, commitTS types.HybridTimestamp)
}

// ReadResolver implements the write-intent resolution rules of spec
// §4.3/§4.8: a raw ReadResult from the row store is resolved against the
// producing transaction's state before it is returned to a reader.
type ReadResolver struct {
	store    RowStore
	txStates TxStateResolver
	switcher IntentSwitcher

	mu       sync.Mutex
	inFlight map[types.RowID]chan struct{}
}

// NewReadResolver builds a resolver over store, consulting txStates for
// intent ownership and scheduling cleanups through switcher.
func NewReadResolver(store RowStore, txStates TxStateResolver, switcher IntentSwitcher) *ReadResolver {
	return &ReadResolver{
		store:    store,
		txStates: txStates,
		switcher: switcher,
		inFlight: make(map[types.RowID]chan struct{}),
	}
}

// Resolve reads rowID at readTS and applies write-intent resolution. If
// forTx is non-nil and owns any intent encountered, the intent is
// returned as-is (a transaction always sees its own uncommitted writes).
func (r *ReadResolver) Resolve(ctx context.Context, rowID types.RowID, readTS types.HybridTimestamp, forTx *types.TransactionID) (*types.ReadResult, error) {
	rr, err := r.store.ReadAt(rowID, readTS)
	if err != nil || rr == nil || !rr.IsWriteIntent {
		return rr, err
	}
	if forTx != nil && rr.TransactionID == *forTx {
		return rr, nil
	}

	state, commitTS, err := r.txStates.ResolveTxState(ctx, rr.TransactionID, rr.CommitPartitionID, &readTS)
	if err != nil {
		return nil, err
	}

	switch state {
	case types.TxStateCommitted:
		if commitTS.LessOrEqual(readTS) {
			r.scheduleCleanup(rr.TransactionID, rowID, true, commitTS)
			rr.CommitTimestamp = commitTS
			rr.IsWriteIntent = false
			return rr, nil
		}
		return r.store.ReadCommittedAt(rowID, readTS)
	case types.TxStateAborted, types.TxStateAbandoned:
		r.scheduleCleanup(rr.TransactionID, rowID, false, commitTS)
		return r.store.ReadCommittedAt(rowID, readTS)
	default:
		// PENDING/FINISHING: not yet final, intent stays unreadable.
		return r.store.ReadCommittedAt(rowID, readTS)
	}
}

// scheduleCleanup dedups the async intent switch so at most one is
// outstanding per row at a time; MarkSwitchComplete releases waiters once
// the switcher actually finishes it.
func (r *ReadResolver) scheduleCleanup(txID types.TransactionID, rowID types.RowID, commit bool, commitTS types.HybridTimestamp) {
	r.mu.Lock()
	if _, already := r.inFlight[rowID]; already {
		r.mu.Unlock()
		return
	}
	r.inFlight[rowID] = make(chan struct{})
	r.mu.Unlock()

	r.switcher.ScheduleSwitch(txID, rowID, commit, commitTS)
}

// MarkSwitchComplete releases any readers/writers blocked in
// AwaitRowCleanup for rowID. The IntentSwitcher implementation calls this
// once the actual switch command has applied.
func (r *ReadResolver) MarkSwitchComplete(rowID types.RowID) {
	r.mu.Lock()
	done, ok := r.inFlight[rowID]
	delete(r.inFlight, rowID)
	r.mu.Unlock()
	if ok {
		close(done)
	}
}

// AwaitRowCleanup blocks until any in-flight intent switch for rowID has
// completed, or returns immediately if none is outstanding. Write paths
// call this before starting a new update on the same row id (spec §4.8).
func (r *ReadResolver) AwaitRowCleanup(ctx context.Context, rowID types.RowID) error {
	r.mu.Lock()
	done, inFlight := r.inFlight[rowID]
	r.mu.Unlock()
	if !inFlight {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
