package replica

import (
	"bytes"
	"context"

	"github.com/distrikv/partd/pkg/lock"
	"github.com/distrikv/partd/pkg/replication"
	"github.com/distrikv/partd/pkg/types"
	"golang.org/x/sync/errgroup"
)

// writeOp describes the semantics one RW mutation kind needs from the
// generic write path, so handleWrite stays a single pipeline instead of
// one copy per request kind (spec §9's "single dispatch table" note).
type writeOp struct {
	requiresExisting bool // REPLACE, DELETE, GET_AND_* on a row that must already exist
	isDelete         bool
	isExact          bool // DELETE_EXACT/REPLACE_IF_EXISTS compare against OldRows
	returnsOld       bool // GET_AND_* returns the pre-image
}

func opFor(kind types.RequestKind) writeOp {
	switch kind {
	case types.ReqRWInsert, types.ReqRWInsertAll:
		return writeOp{}
	case types.ReqRWUpsert, types.ReqRWUpsertAll:
		return writeOp{}
	case types.ReqRWDelete, types.ReqRWDeleteAll:
		return writeOp{requiresExisting: true, isDelete: true}
	case types.ReqRWDeleteExact, types.ReqRWDeleteExactAll:
		return writeOp{requiresExisting: true, isDelete: true, isExact: true}
	case types.ReqRWReplace:
		return writeOp{requiresExisting: true}
	case types.ReqRWReplaceIfExist:
		return writeOp{requiresExisting: true, isExact: true}
	case types.ReqRWGetAndDelete:
		return writeOp{requiresExisting: true, isDelete: true, returnsOld: true}
	case types.ReqRWGetAndUpsert:
		return writeOp{returnsOld: true}
	case types.ReqRWGetAndReplace:
		return writeOp{requiresExisting: true, returnsOld: true}
	default:
		return writeOp{}
	}
}

// rowPlan is the per-row outcome of step 1 (resolve by PK) and step 2
// (take locks), ready to be folded into one Update/UpdateAll command.
type rowPlan struct {
	key      types.BinaryTuple
	rowID    types.RowID
	existing *types.ReadResult
	newRow   *types.BinaryRow // nil for a delete
	skip     bool             // DELETE_EXACT/REPLACE_IF_EXIST mismatch: no-op
}

// handleWrite implements the RW mutation write path of spec §4.4 for
// INSERT, UPSERT, DELETE, DELETE_EXACT, REPLACE, REPLACE_IF_EXISTS and the
// GET_AND_{DELETE,UPSERT,REPLACE} variants, single-row or _ALL.
func (l *Listener) handleWrite(ctx context.Context, req types.Request) (*Result, error) {
	op := opFor(req.Kind)
	txBeginTS := req.TxID.BeginTimestamp()

	if _, err := l.validateAt(ctx, req.TableID, l.clock.Now(), req.SchemaVersion, req.HasSchemaVersion, true); err != nil {
		return nil, err
	}

	if err := l.locks.Acquire(ctx, req.TxID, lock.TableKey(req.TableID), types.LockModeIX); err != nil {
		return nil, err
	}
	if err := l.locker.LocksForLookupByKey(ctx, req.TxID, PKIndexID); err != nil {
		return nil, err
	}

	plans := make([]rowPlan, len(req.Rows))
	var eg errgroup.Group
	for i := range req.Rows {
		i := i
		eg.Go(func() error {
			plan, err := l.planRow(ctx, req, op, req.Rows[i], rowOldOf(req, i))
			if err != nil {
				return err
			}
			plans[i] = plan
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	catalogVersion, err := l.schema.FailIfSchemaChangedSinceTxStart(ctx, req.TableID, txBeginTS, l.clock.Now())
	if err != nil {
		return nil, mapSchemaErr(err)
	}

	updates := make([]replication.RowUpdate, 0, len(plans))
	oldRows := make([]types.ReadResult, 0, len(plans))
	for _, p := range plans {
		if p.skip {
			continue
		}
		if p.existing != nil {
			oldRows = append(oldRows, *p.existing)
		}
		if err := l.resolver.AwaitRowCleanup(ctx, p.rowID); err != nil {
			return nil, err
		}
		var prior types.HybridTimestamp
		if p.existing != nil {
			prior = p.existing.CommitTimestamp
		}
		updates = append(updates, replication.RowUpdate{RowID: p.rowID, Row: p.newRow, PriorCommitTimestamp: prior})
	}

	if len(updates) == 0 {
		return &Result{Rows: oldRows, Applied: false, CatalogV: catalogVersion}, nil
	}

	if len(updates) == 1 {
		err = l.dispatch.SubmitUpdate(ctx, req.Full, catalogVersion, replication.UpdatePayload{
			TxID: req.TxID, RowID: updates[0].RowID, Row: updates[0].Row, PriorCommitTimestamp: updates[0].PriorCommitTimestamp,
		})
	} else {
		err = l.dispatch.SubmitUpdateAll(ctx, req.Full, catalogVersion, replication.UpdateAllPayload{TxID: req.TxID, Rows: updates})
	}
	if err != nil {
		return nil, err
	}

	l.applyIndexSideEffects(plans)

	for _, p := range plans {
		if p.skip {
			continue
		}
		l.locker.ReleaseShortTermIndexLocks(req.TxID, PKIndexID, p.key)
	}
	if req.Full {
		l.locks.ReleaseAll(req.TxID)
	}

	result := &Result{Applied: true, CatalogV: catalogVersion}
	if op.returnsOld {
		result.Rows = oldRows
	}
	return result, nil
}

func rowOldOf(req types.Request, i int) *types.BinaryRow {
	if i < len(req.OldRows) {
		return &req.OldRows[i]
	}
	return nil
}

// planRow runs spec §4.4 steps 1-2 for a single row: resolve the existing
// value by PK, decide the new value (or deletion), and take the X row
// lock plus short-term index lock.
func (l *Listener) planRow(ctx context.Context, req types.Request, op writeOp, row types.BinaryRow, oldExpected *types.BinaryRow) (rowPlan, error) {
	key, err := l.codec.ExtractKey(PKIndexID, &row)
	if err != nil {
		return rowPlan{}, err
	}

	now := l.clock.Now()
	existing, err := l.getByKey(ctx, key, now, &req.TxID)
	if err != nil {
		return rowPlan{}, err
	}
	if op.requiresExisting && existing == nil {
		return rowPlan{skip: true}, nil
	}
	if op.isExact && existing != nil && existing.Row != nil && oldExpected != nil &&
		!bytes.Equal(existing.Row.Bytes, oldExpected.Bytes) {
		return rowPlan{skip: true}, nil
	}

	var rowID types.RowID
	if existing != nil {
		rowID = existing.RowID
		if err := l.locks.Acquire(ctx, req.TxID, lock.RowKey(req.TableID, rowID), types.LockModeX); err != nil {
			return rowPlan{}, err
		}
	} else {
		rowID = types.NewRowID(req.TableID)
	}

	if err := l.locker.LocksForInsert(ctx, req.TxID, PKIndexID, key); err != nil {
		return rowPlan{}, err
	}

	newRow := &row
	if op.isDelete {
		newRow = nil
	}
	return rowPlan{key: key, rowID: rowID, existing: existing, newRow: newRow}, nil
}

// applyIndexSideEffects updates the PK hash index to reflect each applied
// row's outcome, once the replicated command has been accepted.
func (l *Listener) applyIndexSideEffects(plans []rowPlan) {
	for _, p := range plans {
		if p.skip {
			continue
		}
		if p.existing != nil {
			l.index.Remove(PKIndexID, p.key, p.rowID)
		}
		if p.newRow != nil {
			l.index.Insert(PKIndexID, p.key, p.rowID)
		}
	}
}
