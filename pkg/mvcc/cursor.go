package mvcc

import (
	"context"
	"fmt"
	"sync"

	"github.com/distrikv/partd/pkg/lock"
	"github.com/distrikv/partd/pkg/types"
)

// IndexRow is a single entry produced by a sorted-index scan: the
// encoded key plus the row it points at.
type IndexRow struct {
	Key   types.BinaryTuple
	RowID types.RowID
}

// IndexSource is the index-lookup surface a cursor scans over. A real
// implementation backs this with the row storage engine's secondary
// indexes; tests and the reference store use a simple in-memory index.
type IndexSource interface {
	HashLookup(indexID uint32, key types.BinaryTuple) ([]types.RowID, error)
	SortedAfter(indexID uint32, after *types.BinaryTuple, limit int) ([]IndexRow, bool, error)
}

// ScanShape is the kind of scan a cursor was opened for (spec §4.3).
type ScanShape int

const (
	ScanFull ScanShape = iota
	ScanHashIndex
	ScanSortedIndex
)

// Cursor is a lazily-advanced sequence of row ids (or index rows),
// registered under (txId, scanId) and memoized across batch requests.
type Cursor struct {
	Shape   ScanShape
	TableID uint32
	IndexID uint32

	exactKey types.BinaryTuple
	lower    types.BinaryTuple
	upper    types.BinaryTuple
	flags    types.ScanFlags

	lastRowID *types.RowID
	lastKey   *types.BinaryTuple
	done      bool
	started   bool

	hashRows []types.RowID
	hashPos  int
}

// ExactKey returns the point-lookup key a hash-index cursor was opened
// with, so callers can take the index-entry lock spec §4.3 requires
// before consuming it.
func (c *Cursor) ExactKey() types.BinaryTuple { return c.exactKey }

// NextFull advances a full-scan cursor by one row id, resuming from the
// store's stable order where the previous call left off.
func (c *Cursor) NextFull(store RowStore) (types.RowID, bool, error) {
	if c.Shape != ScanFull {
		return types.RowID{}, false, fmt.Errorf("NextFull called on a non-full-scan cursor")
	}
	if c.done {
		return types.RowID{}, false, nil
	}
	ids, more, err := store.ScanAfter(c.lastRowID, 1)
	if err != nil {
		return types.RowID{}, false, err
	}
	if len(ids) == 0 {
		c.done = true
		return types.RowID{}, false, nil
	}
	id := ids[0]
	c.lastRowID = &id
	if !more {
		c.done = true
	}
	return id, true, nil
}

// NextHash advances a hash-index point-lookup cursor by one row id,
// materializing the full lookup on first use and paginating over it.
func (c *Cursor) NextHash(index IndexSource) (types.RowID, bool, error) {
	if c.Shape != ScanHashIndex {
		return types.RowID{}, false, fmt.Errorf("NextHash called on a non-hash-index cursor")
	}
	if !c.started {
		ids, err := index.HashLookup(c.IndexID, c.exactKey)
		if err != nil {
			return types.RowID{}, false, err
		}
		c.hashRows = ids
		c.started = true
	}
	if c.hashPos >= len(c.hashRows) {
		c.done = true
		return types.RowID{}, false, nil
	}
	id := c.hashRows[c.hashPos]
	c.hashPos++
	return id, true, nil
}

// NewFullScanCursor opens a whole-partition scan cursor.
func NewFullScanCursor(tableID uint32) *Cursor {
	return &Cursor{Shape: ScanFull, TableID: tableID}
}

// NewHashIndexCursor opens a hash-index point-lookup cursor.
func NewHashIndexCursor(indexID uint32, key types.BinaryTuple) *Cursor {
	return &Cursor{Shape: ScanHashIndex, IndexID: indexID, exactKey: key}
}

// NewSortedIndexCursor opens a sorted-index range-scan cursor.
func NewSortedIndexCursor(indexID uint32, lower, upper types.BinaryTuple, flags types.ScanFlags) *Cursor {
	return &Cursor{Shape: ScanSortedIndex, IndexID: indexID, lower: lower, upper: upper, flags: flags}
}

// Registry holds the scan cursors open for every in-flight transaction,
// keyed by (txId, scanId) per spec §3's Cursor entity.
type Registry struct {
	mu      sync.Mutex
	cursors map[types.CursorID]*Cursor
}

// NewRegistry builds an empty cursor registry.
func NewRegistry() *Registry {
	return &Registry{cursors: make(map[types.CursorID]*Cursor)}
}

// Register installs c under id unless a cursor is already registered for
// the same (txId, scanId); in that case the existing cursor is kept and c
// is dropped — the first batch request for a scanId wins.
func (r *Registry) Register(id types.CursorID, c *Cursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cursors[id]; !exists {
		r.cursors[id] = c
	}
}

// Get returns the cursor registered under id, if any.
func (r *Registry) Get(id types.CursorID) (*Cursor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[id]
	return c, ok
}

// Close removes a single cursor, e.g. on SCAN_CLOSE.
func (r *Registry) Close(id types.CursorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, id)
}

// CloseAllForTx removes every cursor belonging to txID, e.g. on
// WriteIntentSwitch (spec §4.6 step 1).
func (r *Registry) CloseAllForTx(txID types.TransactionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.cursors {
		if id.TxID == txID {
			delete(r.cursors, id)
		}
	}
}

// Len reports the number of currently open cursors, for the
// ScanCursorsOpen gauge.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}

// Locker is the Index Locker component (spec §2, §4.3): it advances a
// sorted-index cursor one entry at a time, taking the S lock on the
// entry before exposing it, and re-checks the upper bound only after the
// lock is granted so a concurrent insert at the boundary cannot slip in
// unlocked (phantom-read guard).
type Locker struct {
	locks lock.Manager
	index IndexSource
}

// NewLocker builds an Locker over the given lock manager and index
// source.
func NewLocker(locks lock.Manager, index IndexSource) *Locker {
	return &Locker{locks: locks, index: index}
}

// LocksForScan returns the next validated IndexRow for a sorted-index
// cursor, holding an S lock on (index, key) before returning, or nil when
// the cursor is exhausted or the next entry falls outside the bound.
func (l *Locker) LocksForScan(ctx context.Context, txID types.TransactionID, c *Cursor) (*IndexRow, error) {
	if c.Shape != ScanSortedIndex {
		return nil, fmt.Errorf("locksForScan called on a non-sorted-index cursor")
	}
	if c.done {
		return nil, nil
	}
	rows, more, err := l.index.SortedAfter(c.IndexID, c.lastKey, 1)
	if err != nil {
		return nil, err
	}
	// Entries below the (inclusive) lower bound are passed over unlocked.
	for len(rows) > 0 && c.lower != nil && compareTuples(rows[0].Key, c.lower) < 0 {
		k := rows[0].Key
		c.lastKey = &k
		if rows, more, err = l.index.SortedAfter(c.IndexID, c.lastKey, 1); err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		c.done = true
		return nil, nil
	}
	row := rows[0]

	key := lock.IndexEntryKey(c.IndexID, row.Key)
	if err := l.locks.Acquire(ctx, txID, key, types.LockModeS); err != nil {
		return nil, err
	}

	if !withinUpperBound(row.Key, c.upper, c.flags) {
		c.done = true
		return nil, nil
	}

	k := row.Key
	c.lastKey = &k
	c.lastRowID = &row.RowID
	_ = more // exhaustion is instead detected by the next call's empty SortedAfter
	return &row, nil
}

// withinUpperBound applies the ScanLessOrEqual flag rule from spec §4.3:
// "honors LESS_OR_EQUAL by ORing the bound's equality flag before
// comparison."
func withinUpperBound(key, upper types.BinaryTuple, flags types.ScanFlags) bool {
	if upper == nil {
		return true
	}
	cmp := compareTuples(key, upper)
	if flags.Has(types.ScanLessOrEqual) {
		return cmp <= 0
	}
	return cmp < 0
}

func compareTuples(a, b types.BinaryTuple) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// LocksForLookupByKey acquires the IS intent lock on the PK index before
// a point lookup begins (spec §4.4 step 1).
func (l *Locker) LocksForLookupByKey(ctx context.Context, txID types.TransactionID, indexID uint32) error {
	return l.locks.Acquire(ctx, txID, lock.IndexKey(indexID), types.LockModeIS)
}

// LocksForInsert takes the short-term locks needed to insert a new index
// entry: IX on the index, X on the specific key (spec §4.4 step 2).
func (l *Locker) LocksForInsert(ctx context.Context, txID types.TransactionID, indexID uint32, key types.BinaryTuple) error {
	if err := l.locks.Acquire(ctx, txID, lock.IndexKey(indexID), types.LockModeIX); err != nil {
		return err
	}
	return l.locks.Acquire(ctx, txID, lock.IndexEntryKey(indexID, key), types.LockModeX)
}

// LocksForRemove takes the short-term locks needed to remove an index
// entry, mirroring LocksForInsert.
func (l *Locker) LocksForRemove(ctx context.Context, txID types.TransactionID, indexID uint32, key types.BinaryTuple) error {
	return l.LocksForInsert(ctx, txID, indexID, key)
}

// ReleaseShortTermIndexLocks releases the per-key locks taken by
// LocksForInsert/LocksForRemove once the local apply has finished (spec
// §5: short-term locks are released at local apply, not at tx finish).
func (l *Locker) ReleaseShortTermIndexLocks(txID types.TransactionID, indexID uint32, key types.BinaryTuple) {
	l.locks.Release(txID, lock.IndexEntryKey(indexID, key))
}
