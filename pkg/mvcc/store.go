// Package mvcc implements the row storage read side: the multi-version
// row store, write-intent resolution against transaction state, and the
// per-transaction cursor registry scans are memoized under (spec §4.3,
// §4.8). RowStore is the external collaborator named in spec §1 ("the
// row storage engine"); InMemoryStore is a reference implementation
// sufficient to exercise the coordinator end-to-end.
package mvcc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/distrikv/partd/pkg/types"
)

// RowStore is the MVCC row engine a replication group's storage is built
// on. Implementations must guarantee invariant 1 (at most one uncommitted
// version per row slot) and serve ReadAt/ReadCommittedAt without blocking
// on locks — locking is the caller's job.
type RowStore interface {
	// ReadAt returns the version visible at ts: the pending write intent if
	// one exists, otherwise the newest committed version at or before ts.
	// Returns a nil result (not an error) when nothing is visible.
	ReadAt(rowID types.RowID, ts types.HybridTimestamp) (*types.ReadResult, error)
	// ReadCommittedAt returns the newest *committed* version at or before
	// ts, ignoring any pending write intent — used to walk past an
	// unreadable intent (spec §4.8).
	ReadCommittedAt(rowID types.RowID, ts types.HybridTimestamp) (*types.ReadResult, error)
	// PutIntent installs txID's write intent for rowID. row == nil records
	// a tombstone (delete). Fails if a different transaction already holds
	// an intent on this row slot.
	PutIntent(txID types.TransactionID, rowID types.RowID, row *types.BinaryRow) error
	// CommitIntent finalizes txID's intent on rowID as committed at ts.
	CommitIntent(txID types.TransactionID, rowID types.RowID, ts types.HybridTimestamp) error
	// AbortIntent discards txID's intent on rowID, restoring the prior
	// committed version (if any) as the current value.
	AbortIntent(txID types.TransactionID, rowID types.RowID) error
	// ScanAfter returns up to limit row ids in stable order, resuming
	// after the given row id (nil to start from the beginning), plus
	// whether more rows remain.
	ScanAfter(after *types.RowID, limit int) (ids []types.RowID, more bool)
}

type version struct {
	row      *types.BinaryRow
	commitTS types.HybridTimestamp
}

type rowSlot struct {
	committed []version // ascending by commitTS
	intent    *intent
}

type intent struct {
	txID TxID
	row  *types.BinaryRow
}

// TxID is an alias kept local so the file reads naturally; it is exactly
// types.TransactionID.
type TxID = types.TransactionID

// InMemoryStore is a reference RowStore backed by an in-process map of
// per-row version chains.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[types.RowID]*rowSlot
}

// NewInMemoryStore builds an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[types.RowID]*rowSlot)}
}

func rowIDLess(a, b types.RowID) bool {
	if a.PartitionID != b.PartitionID {
		return a.PartitionID < b.PartitionID
	}
	for i := range a.UUID {
		if a.UUID[i] != b.UUID[i] {
			return a.UUID[i] < b.UUID[i]
		}
	}
	return false
}

func (s *InMemoryStore) newestCommittedAtLocked(slot *rowSlot, ts types.HybridTimestamp) *version {
	for i := len(slot.committed) - 1; i >= 0; i-- {
		if slot.committed[i].commitTS.LessOrEqual(ts) {
			return &slot.committed[i]
		}
	}
	return nil
}

func (s *InMemoryStore) ReadAt(rowID types.RowID, ts types.HybridTimestamp) (*types.ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot := s.rows[rowID]
	if slot == nil {
		return nil, nil
	}
	if slot.intent != nil {
		newest := s.newestCommittedAtLocked(slot, ts)
		result := &types.ReadResult{
			Row:           slot.intent.row,
			RowID:         rowID,
			IsWriteIntent: true,
			TransactionID: slot.intent.txID,
		}
		if newest != nil {
			result.NewestCommitTimestamp = newest.commitTS
		}
		return result, nil
	}
	v := s.newestCommittedAtLocked(slot, ts)
	if v == nil {
		return nil, nil
	}
	return &types.ReadResult{Row: v.row, RowID: rowID, CommitTimestamp: v.commitTS}, nil
}

func (s *InMemoryStore) ReadCommittedAt(rowID types.RowID, ts types.HybridTimestamp) (*types.ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot := s.rows[rowID]
	if slot == nil {
		return nil, nil
	}
	v := s.newestCommittedAtLocked(slot, ts)
	if v == nil {
		return nil, nil
	}
	return &types.ReadResult{Row: v.row, RowID: rowID, CommitTimestamp: v.commitTS}, nil
}

func (s *InMemoryStore) PutIntent(txID types.TransactionID, rowID types.RowID, row *types.BinaryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.rows[rowID]
	if slot == nil {
		slot = &rowSlot{}
		s.rows[rowID] = slot
	}
	if slot.intent != nil && slot.intent.txID != txID {
		return fmt.Errorf("row %v already has a write intent from another transaction", rowID)
	}
	slot.intent = &intent{txID: txID, row: row}
	return nil
}

func (s *InMemoryStore) CommitIntent(txID types.TransactionID, rowID types.RowID, ts types.HybridTimestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.rows[rowID]
	if slot == nil || slot.intent == nil || slot.intent.txID != txID {
		return nil
	}
	if slot.intent.row != nil {
		slot.committed = append(slot.committed, version{row: slot.intent.row, commitTS: ts})
	}
	slot.intent = nil
	return nil
}

func (s *InMemoryStore) AbortIntent(txID types.TransactionID, rowID types.RowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.rows[rowID]
	if slot == nil || slot.intent == nil || slot.intent.txID != txID {
		return nil
	}
	slot.intent = nil
	return nil
}

func (s *InMemoryStore) ScanAfter(after *types.RowID, limit int) ([]types.RowID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.RowID, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return rowIDLess(ids[i], ids[j]) })

	start := 0
	if after != nil {
		for i, id := range ids {
			if id == *after {
				start = i + 1
				break
			}
		}
	}
	if start >= len(ids) {
		return nil, false
	}
	end := start + limit
	more := end < len(ids)
	if end > len(ids) {
		end = len(ids)
	}
	out := make([]types.RowID, end-start)
	copy(out, ids[start:end])
	return out, more
}
