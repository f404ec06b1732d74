package replica

import (
	"context"

	"github.com/distrikv/partd/pkg/txn"
	"github.com/distrikv/partd/pkg/types"
)

// handleFinish implements TX_FINISH (spec §4.5), delegating to the
// Finisher wired over this group's collaborators and recording the
// transaction's enlisted tables for forward schema validation.
func (l *Listener) handleFinish(ctx context.Context, req types.Request) (*Result, error) {
	tables := make([]uint32, 0, len(req.EnlistedGroups))
	seen := make(map[uint32]struct{}, len(req.EnlistedGroups))
	for _, g := range req.EnlistedGroups {
		if _, ok := seen[g.TableID]; ok {
			continue
		}
		seen[g.TableID] = struct{}{}
		tables = append(tables, g.TableID)
	}

	meta, err := l.finisher.Finish(ctx, txn.FinishRequest{
		TxID:            req.TxID,
		GroupID:         l.groupID,
		Commit:          req.Commit,
		CommitTimestamp: req.CommitTimestamp,
		TxBeginTS:       req.TxID.BeginTimestamp(),
		EnlistedGroups:  req.EnlistedGroups,
		EnlistedTables:  tables,
	})
	if err != nil {
		return &Result{TxMeta: meta}, err
	}
	l.volatile.Forget(req.TxID)
	return &Result{TxMeta: meta}, nil
}

// handleWriteIntentSwitch implements WRITE_INTENT_SWITCH (spec §4.6): close
// the transaction's cursors, finalize its volatile state, and submit the
// replicated switch for every row it touched on this partition.
func (l *Listener) handleWriteIntentSwitch(ctx context.Context, req types.Request) (*Result, error) {
	l.cursors.CloseAllForTx(req.TxID)
	state := types.TxStateAborted
	if req.Commit {
		state = types.TxStateCommitted
	}
	l.volatile.SetFinal(req.TxID, state, l.groupID.PartitionID, req.CommitTimestamp)
	if err := l.dispatch.SubmitWriteIntentSwitch(ctx, l.groupID, req.TxID, req.Commit, req.CommitTimestamp); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

// handleTxState implements TX_STATE_COMMIT_PARTITION (spec §6): a direct
// lookup of a transaction's durable/volatile state on the commit
// partition, for remote write-intent resolution.
func (l *Listener) handleTxState(ctx context.Context, req types.Request) (*Result, error) {
	meta, ok, err := l.durable.Load(req.TxID)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Result{TxMeta: meta, Exists: true}, nil
	}
	if vm, tracked := l.volatile.Get(req.TxID); tracked {
		return &Result{TxMeta: types.TxMeta{TxID: req.TxID, State: vm.State, CommitTimestamp: vm.CommitTimestamp}, Exists: true}, nil
	}
	return &Result{Exists: false}, nil
}
