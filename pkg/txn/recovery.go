package txn

import (
	"context"

	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// Recovery implements orphan-transaction recovery (spec §4.7): it is
// invoked on an explicit TxRecoveryMessage against the commit-partition
// primary, implicitly when a reader finds a write intent whose
// coordinator has left the cluster roster, and swept in bulk whenever
// this replica becomes primary for its group.
type Recovery struct {
	groupID types.GroupID
	durable DurableStore
	cleanup *Cleanup
	finish  *Finisher
	log     zerolog.Logger
}

// NewRecovery builds a Recovery for the commit partition identified by
// groupID.
func NewRecovery(groupID types.GroupID, durable DurableStore, cleanup *Cleanup, finish *Finisher, log zerolog.Logger) *Recovery {
	return &Recovery{
		groupID: groupID,
		durable: durable,
		cleanup: cleanup,
		finish:  finish,
		log:     log.With().Str("component", "tx-recovery").Logger(),
	}
}

// HandleRecoveryMessage implements spec §4.7's primary branch: if the
// durable record is already final, cleanup is retried (if not yet
// released); otherwise a rollback finish is initiated.
func (r *Recovery) HandleRecoveryMessage(ctx context.Context, txID types.TransactionID) error {
	meta, ok, err := r.durable.Load(txID)
	if err != nil {
		return err
	}
	if ok && meta.State.IsFinal() {
		if meta.LocksReleased {
			return nil
		}
		return r.cleanup.DurableCleanup(ctx, r.durable, r.groupID, txID, meta.EnlistedPartitions, meta.State == types.TxStateCommitted, meta.CommitTimestamp)
	}
	return r.RollbackOrphan(ctx, txID, r.groupID.PartitionID)
}

// RollbackOrphan writes ABORTED as the durable outcome for an
// unresponsive/orphaned transaction and cascades cleanup, invoked either
// from HandleRecoveryMessage or from the state resolver when a write
// intent's coordinator has disappeared from the cluster roster.
func (r *Recovery) RollbackOrphan(ctx context.Context, txID types.TransactionID, commitPartitionID uint32) error {
	_, err := r.finish.Finish(ctx, FinishRequest{
		TxID:    txID,
		GroupID: types.GroupID{TableID: r.groupID.TableID, PartitionID: commitPartitionID},
		Commit:  false,
	})
	if err == nil {
		metrics.RecoveredTransactionsTotal.Inc()
	}
	return err
}

// SweepOnPrimaryElected scans for finalized-but-not-released
// transactions and schedules durableCleanup for each, best-effort and
// non-blocking — the caller (primary-elected handler) does not wait on
// it (spec §4.7).
func (r *Recovery) SweepOnPrimaryElected() {
	go func() {
		ctx := context.Background()
		metas, err := r.durable.ScanUnreleased()
		if err != nil {
			r.log.Error().Err(err).Msg("scan for unreleased transactions failed")
			return
		}
		for _, meta := range metas {
			commit := meta.State == types.TxStateCommitted
			if err := r.cleanup.DurableCleanup(ctx, r.durable, r.groupID, meta.TxID, meta.EnlistedPartitions, commit, meta.CommitTimestamp); err != nil {
				r.log.Error().Err(err).Str("tx", meta.TxID.String()).Msg("durable cleanup sweep failed")
			}
		}
	}()
}
