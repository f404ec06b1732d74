package txn

import (
	"context"
	"fmt"

	"github.com/distrikv/partd/pkg/replerr"
	"github.com/distrikv/partd/pkg/schema"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// FinishRequest carries the TX_FINISH payload (spec §4.5).
type FinishRequest struct {
	TxID            types.TransactionID
	GroupID         types.GroupID
	Commit          bool
	CommitTimestamp types.HybridTimestamp
	TxBeginTS       types.HybridTimestamp
	EnlistedGroups  []types.GroupID
	EnlistedTables  []uint32
	CatalogVersion  uint32
}

// Finisher implements the TX_FINISH handler end to end.
type Finisher struct {
	volatile *VolatileStates
	durable  DurableStore
	schema   *schema.Validator
	submit   CommandSubmitter
	cleanup  *Cleanup
	log      zerolog.Logger
}

// NewFinisher wires a Finisher over its collaborators.
func NewFinisher(volatile *VolatileStates, durable DurableStore, schemaValidator *schema.Validator, submit CommandSubmitter, cleanup *Cleanup, log zerolog.Logger) *Finisher {
	return &Finisher{
		volatile: volatile,
		durable:  durable,
		schema:   schemaValidator,
		submit:   submit,
		cleanup:  cleanup,
		log:      log.With().Str("component", "finisher").Logger(),
	}
}

// Finish runs the full finish protocol: forward schema validation on
// commit, durable-meta idempotency/conflict checks, the FinishTxCommand
// submission, and the post-finish cleanup + MarkLocksReleased chain
// (spec §4.5 steps 1-4).
func (f *Finisher) Finish(ctx context.Context, req FinishRequest) (types.TxMeta, error) {
	if req.Commit {
		for _, tableID := range req.EnlistedTables {
			if err := f.schema.CheckForwardCompatible(ctx, tableID, req.TxBeginTS, req.CommitTimestamp); err != nil {
				aborted := req
				aborted.Commit = false
				meta, finishErr := f.finishCore(ctx, aborted)
				if finishErr != nil {
					return meta, finishErr
				}
				return meta, &replerr.IncompatibleSchemaAbort{TableID: tableID}
			}
		}
	}
	return f.finishCore(ctx, req)
}

func (f *Finisher) finishCore(ctx context.Context, req FinishRequest) (types.TxMeta, error) {
	durableMeta, ok, err := f.durable.Load(req.TxID)
	if err != nil {
		return types.TxMeta{}, err
	}
	if ok && durableMeta.State.IsFinal() {
		return f.retryFinish(ctx, req, durableMeta)
	}

	if err := f.submit.SubmitFinish(ctx, req.GroupID, req.TxID, req.Commit, req.CommitTimestamp, req.CatalogVersion, req.EnlistedGroups); err != nil {
		return types.TxMeta{}, err
	}

	finalMeta, ok, err := f.durable.Load(req.TxID)
	if err != nil {
		return types.TxMeta{}, err
	}
	if !ok {
		return types.TxMeta{}, fmt.Errorf("finish: no durable meta recorded for tx %s after submit", req.TxID)
	}

	wantState := types.TxStateAborted
	if req.Commit {
		wantState = types.TxStateCommitted
	}
	if finalMeta.State != wantState {
		// A concurrent recovery already wrote a different outcome.
		return finalMeta, &replerr.TransactionAlreadyFinished{TxID: req.TxID, Result: finalMeta}
	}

	f.volatile.SetFinal(req.TxID, finalMeta.State, req.GroupID.PartitionID, req.CommitTimestamp)
	f.runPostFinishCleanup(ctx, req.TxID, req.GroupID, finalMeta)
	return finalMeta, nil
}

// retryFinish handles a finish call that arrives after the transaction
// was already finalized: idempotent replay if locks are already
// released, otherwise validate the requested outcome against the stored
// one before re-running cleanup (spec §4.5 step 2).
func (f *Finisher) retryFinish(ctx context.Context, req FinishRequest, stored types.TxMeta) (types.TxMeta, error) {
	if stored.LocksReleased {
		return stored, nil
	}

	allowed := false
	switch {
	case req.Commit && stored.State == types.TxStateCommitted:
		allowed = true
	case !req.Commit && stored.State == types.TxStateAborted:
		allowed = true
	}
	if !allowed {
		return stored, &replerr.TransactionAlreadyFinished{TxID: req.TxID, Result: stored}
	}

	f.runPostFinishCleanup(ctx, req.TxID, req.GroupID, stored)
	return stored, nil
}

func (f *Finisher) runPostFinishCleanup(ctx context.Context, txID types.TransactionID, groupID types.GroupID, meta types.TxMeta) {
	if f.cleanup == nil {
		return
	}
	commit := meta.State == types.TxStateCommitted
	if err := f.cleanup.DurableCleanup(ctx, f.durable, groupID, txID, meta.EnlistedPartitions, commit, meta.CommitTimestamp); err != nil {
		f.log.Warn().Err(err).Str("tx", txID.String()).Msg("cleanup failed, left for recovery sweep")
	}
}
