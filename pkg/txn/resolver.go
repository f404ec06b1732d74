package txn

import (
	"context"

	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// StateResolver implements mvcc.TxStateResolver: look up volatile meta,
// fall back to durable meta, and trigger orphan recovery when the
// transaction is tracked only in volatile state, a roster is set, and its
// coordinator is not alive (spec §4.8, "Transaction State Resolver").
type StateResolver struct {
	volatile *VolatileStates
	durable  DurableStore
	roster   ClusterRoster
	recovery *Recovery
	log      zerolog.Logger
}

// NewStateResolver wires a resolver over the given collaborators.
func NewStateResolver(volatile *VolatileStates, durable DurableStore, roster ClusterRoster, recovery *Recovery, log zerolog.Logger) *StateResolver {
	return &StateResolver{volatile: volatile, durable: durable, roster: roster, recovery: recovery, log: log.With().Str("component", "tx-state-resolver").Logger()}
}

// ResolveTxState satisfies mvcc.TxStateResolver.
func (r *StateResolver) ResolveTxState(ctx context.Context, txID types.TransactionID, commitPartitionID uint32, readTS *types.HybridTimestamp) (types.TxState, types.HybridTimestamp, error) {
	if meta, ok := r.volatile.Get(txID); ok && meta.State.IsFinal() {
		return meta.State, meta.CommitTimestamp, nil
	}

	durableMeta, ok, err := r.durable.Load(txID)
	if err != nil {
		return types.TxStatePending, types.HybridTimestamp{}, err
	}
	if ok && durableMeta.State.IsFinal() {
		r.volatile.SetFinal(txID, durableMeta.State, commitPartitionID, durableMeta.CommitTimestamp)
		return durableMeta.State, durableMeta.CommitTimestamp, nil
	}

	meta, tracked := r.volatile.Get(txID)
	if tracked && r.roster != nil && !r.roster.IsAlive(meta.CoordinatorNodeID) {
		r.log.Warn().Str("tx", txID.String()).Str("coordinator", meta.CoordinatorNodeID).
			Msg("write intent coordinator no longer in cluster roster, triggering recovery")
		if r.recovery != nil {
			if err := r.recovery.RollbackOrphan(ctx, txID, commitPartitionID); err != nil {
				return types.TxStatePending, types.HybridTimestamp{}, err
			}
			return r.ResolveTxState(ctx, txID, commitPartitionID, readTS)
		}
	}

	return types.TxStatePending, types.HybridTimestamp{}, nil
}
