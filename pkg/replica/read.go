package replica

import (
	"context"

	"github.com/distrikv/partd/pkg/lock"
	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/types"
)

// keysFromRequest extracts the PK lookup keys a GET/GET_ALL request
// carries. A single-key request uses ExactKey; a multi-key (_ALL)
// request reuses Rows as key templates, since the dispatch-discriminated
// Request only needs to carry the fields its own kind uses (spec §9).
func (l *Listener) keysFromRequest(req types.Request) []types.BinaryTuple {
	if req.ExactKey != nil {
		return []types.BinaryTuple{req.ExactKey}
	}
	keys := make([]types.BinaryTuple, len(req.Rows))
	for i, row := range req.Rows {
		keys[i] = types.BinaryTuple(row.Bytes)
	}
	return keys
}

// awaitSafeTime implements spec §4.3's RO wait rule: "await safeTime ≥
// readTimestamp unless this replica is primary and now() > readTimestamp."
func (l *Listener) awaitSafeTime(ctx context.Context, ts types.HybridTimestamp, isPrimary bool) error {
	if isPrimary && l.clock.Now().Compare(ts) > 0 {
		return nil
	}
	return l.safeTime.Wait(ctx, ts)
}

// getByKey resolves a PK tuple to its current value at ts via the PK hash
// index. forTx, if non-nil, lets a transaction see its own uncommitted
// write.
func (l *Listener) getByKey(ctx context.Context, key types.BinaryTuple, ts types.HybridTimestamp, forTx *types.TransactionID) (*types.ReadResult, error) {
	ids, err := l.index.HashLookup(PKIndexID, key)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	// Invariant 2: a PK resolves to exactly one live row; write intents on
	// it may only overlap within the same transaction.
	return l.resolver.Resolve(ctx, ids[0], ts, forTx)
}

// handleROGet implements spec §4.3's RO point-get by PK, for RO_GET,
// RO_GET_ALL, RO_DIRECT_GET and RO_DIRECT_GET_ALL (direct reads choose a
// fresh now() as their read timestamp here rather than carrying one).
func (l *Listener) handleROGet(ctx context.Context, req types.Request, isPrimary bool) (*Result, error) {
	ts := req.ReadTimestamp
	if req.Kind == types.ReqRODirectGet || req.Kind == types.ReqRODirectGetAll {
		ts = l.clock.Now()
	}
	if _, err := l.validateAt(ctx, req.TableID, ts, req.SchemaVersion, req.HasSchemaVersion, true); err != nil {
		return nil, err
	}
	if err := l.awaitSafeTime(ctx, ts, isPrimary); err != nil {
		return nil, err
	}

	keys := l.keysFromRequest(req)
	rows := make([]types.ReadResult, 0, len(keys))
	for _, key := range keys {
		rr, err := l.getByKey(ctx, key, ts, nil)
		if err != nil {
			return nil, err
		}
		if rr != nil {
			rows = append(rows, *rr)
		}
	}
	return &Result{Rows: rows}, nil
}

// handleRWGet implements the RW get/get-all shapes of spec §4.3: table IS
// lock, PK lookup lock, per-row S lock, then the usual write-intent
// resolution rules with the requesting transaction's own writes visible.
func (l *Listener) handleRWGet(ctx context.Context, req types.Request) (*Result, error) {
	now := l.clock.Now()
	if _, err := l.validateAt(ctx, req.TableID, now, req.SchemaVersion, req.HasSchemaVersion, true); err != nil {
		return nil, err
	}
	if err := l.locks.Acquire(ctx, req.TxID, lock.TableKey(req.TableID), types.LockModeIS); err != nil {
		return nil, err
	}
	if err := l.locker.LocksForLookupByKey(ctx, req.TxID, PKIndexID); err != nil {
		return nil, err
	}

	keys := l.keysFromRequest(req)
	rows := make([]types.ReadResult, 0, len(keys))
	for _, key := range keys {
		ids, err := l.index.HashLookup(PKIndexID, key)
		if err != nil {
			return nil, err
		}
		for _, rowID := range ids {
			if err := l.locks.Acquire(ctx, req.TxID, lock.RowKey(req.TableID, rowID), types.LockModeS); err != nil {
				return nil, err
			}
			rr, err := l.resolver.Resolve(ctx, rowID, now, &req.TxID)
			if err != nil {
				return nil, err
			}
			if rr != nil {
				rows = append(rows, *rr)
			}
		}
	}
	if err := l.checkBackwardCompat(ctx, req.TableID, rows, req.TxID.BeginTimestamp()); err != nil {
		return nil, err
	}
	return &Result{Rows: rows}, nil
}

// checkBackwardCompat validates every row's write schema against the
// transaction's begin schema, per spec §4.3's post-batch check.
func (l *Listener) checkBackwardCompat(ctx context.Context, tableID uint32, rows []types.ReadResult, txBeginTS types.HybridTimestamp) error {
	for _, rr := range rows {
		if rr.Row == nil {
			continue
		}
		if err := l.schema.CheckBackwardCompatible(ctx, tableID, rr.Row.SchemaVersion, txBeginTS); err != nil {
			return mapSchemaErr(err)
		}
	}
	return nil
}

// newCursor opens the right cursor shape for a scan request: full
// partition scan, hash-index lookup, or sorted-index range scan (spec
// §4.3).
func (l *Listener) newCursor(req types.Request) *mvcc.Cursor {
	if !req.HasIndex {
		return mvcc.NewFullScanCursor(req.TableID)
	}
	if req.ExactKey != nil && l.indexKinds[req.IndexToUse] == types.IndexKindHash {
		return mvcc.NewHashIndexCursor(req.IndexToUse, req.ExactKey)
	}
	return mvcc.NewSortedIndexCursor(req.IndexToUse, req.LowerBoundPrefix, req.UpperBoundPrefix, req.Flags)
}

// handleROScan implements spec §4.3's RO scan: a batch advances the
// memoized (txId, scanId) cursor up to batchSize, resolving each row at
// readTimestamp.
func (l *Listener) handleROScan(ctx context.Context, req types.Request, isPrimary bool) (*Result, error) {
	ts := req.ReadTimestamp
	if _, err := l.validateAt(ctx, req.TableID, ts, req.SchemaVersion, req.HasSchemaVersion, true); err != nil {
		return nil, err
	}
	if err := l.awaitSafeTime(ctx, ts, isPrimary); err != nil {
		return nil, err
	}

	cid := types.CursorID{TxID: req.TxID, ScanID: req.ScanID}
	cursor, ok := l.cursors.Get(cid)
	if !ok {
		cursor = l.newCursor(req)
		l.cursors.Register(cid, cursor)
	}

	rows := make([]types.ReadResult, 0, req.BatchSize)
	more := true
	for len(rows) < req.BatchSize {
		rowID, hasNext, err := l.advanceUnlocked(cursor)
		if err != nil {
			return nil, err
		}
		if !hasNext {
			more = false
			break
		}
		rr, err := l.resolver.Resolve(ctx, rowID, ts, nil)
		if err != nil {
			return nil, err
		}
		if rr != nil && rr.HasRow() {
			rows = append(rows, *rr)
		}
	}
	return &Result{Rows: rows, ScanMore: more}, nil
}

// advanceUnlocked advances cursor by one row id without taking any locks
// — the RO scan path.
func (l *Listener) advanceUnlocked(c *mvcc.Cursor) (types.RowID, bool, error) {
	switch c.Shape {
	case mvcc.ScanFull:
		return c.NextFull(l.store)
	case mvcc.ScanHashIndex:
		return c.NextHash(l.index)
	default:
		row, err := l.locker.LocksForScan(context.Background(), types.TransactionID{}, c)
		if err != nil || row == nil {
			return types.RowID{}, false, err
		}
		return row.RowID, true, nil
	}
}

// handleRWScan implements spec §4.3's RW scan: table IS lock, then
// per-shape locking (sorted-index range lock with upper-bound re-check
// after grant, or hash-index IS+S then per-row S), resolving write
// intents against the scanning transaction.
func (l *Listener) handleRWScan(ctx context.Context, req types.Request) (*Result, error) {
	now := l.clock.Now()
	if _, err := l.validateAt(ctx, req.TableID, now, req.SchemaVersion, req.HasSchemaVersion, true); err != nil {
		return nil, err
	}
	if err := l.locks.Acquire(ctx, req.TxID, lock.TableKey(req.TableID), types.LockModeIS); err != nil {
		return nil, err
	}

	cid := types.CursorID{TxID: req.TxID, ScanID: req.ScanID}
	cursor, ok := l.cursors.Get(cid)
	if !ok {
		cursor = l.newCursor(req)
		l.cursors.Register(cid, cursor)
	}

	rows := make([]types.ReadResult, 0, req.BatchSize)
	more := true
	for len(rows) < req.BatchSize {
		rowID, hasNext, err := l.advanceLocked(ctx, req.TxID, req.TableID, cursor)
		if err != nil {
			return nil, err
		}
		if !hasNext {
			more = false
			break
		}
		rr, err := l.resolver.Resolve(ctx, rowID, now, &req.TxID)
		if err != nil {
			return nil, err
		}
		if rr != nil && rr.HasRow() {
			rows = append(rows, *rr)
		}
	}
	if err := l.checkBackwardCompat(ctx, req.TableID, rows, req.TxID.BeginTimestamp()); err != nil {
		return nil, err
	}
	// spec §4.4: a 1PC scan releases all tx locks once it's fully
	// resolved, but downgrades to 2PC (locks stay held for an explicit
	// finish) if the result bucket overflows batchSize.
	if req.Full && !more {
		l.locks.ReleaseAll(req.TxID)
	}
	return &Result{Rows: rows, ScanMore: more}, nil
}

// advanceLocked advances cursor by one row id, taking the shape-specific
// RW locks spec §4.3 requires along the way.
func (l *Listener) advanceLocked(ctx context.Context, txID types.TransactionID, tableID uint32, c *mvcc.Cursor) (types.RowID, bool, error) {
	switch c.Shape {
	case mvcc.ScanFull:
		rowID, ok, err := c.NextFull(l.store)
		if err != nil || !ok {
			return rowID, ok, err
		}
		if err := l.locks.Acquire(ctx, txID, lock.RowKey(tableID, rowID), types.LockModeS); err != nil {
			return types.RowID{}, false, err
		}
		return rowID, true, nil

	case mvcc.ScanHashIndex:
		if err := l.locks.Acquire(ctx, txID, lock.IndexKey(c.IndexID), types.LockModeIS); err != nil {
			return types.RowID{}, false, err
		}
		if err := l.locks.Acquire(ctx, txID, lock.IndexEntryKey(c.IndexID, c.ExactKey()), types.LockModeS); err != nil {
			return types.RowID{}, false, err
		}
		rowID, ok, err := c.NextHash(l.index)
		if err != nil || !ok {
			return rowID, ok, err
		}
		if err := l.locks.Acquire(ctx, txID, lock.RowKey(tableID, rowID), types.LockModeS); err != nil {
			return types.RowID{}, false, err
		}
		return rowID, true, nil

	default:
		row, err := l.locker.LocksForScan(ctx, txID, c)
		if err != nil || row == nil {
			return types.RowID{}, false, err
		}
		return row.RowID, true, nil
	}
}
