package collab

import (
	"sort"
	"sync"

	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/types"
)

// InMemoryIndex is a reference mvcc.IndexSource covering both hash-index
// point lookups and sorted-index range scans, maintained explicitly by the
// write path as rows are inserted and removed. Index id 0 is reserved for
// the primary-key index by convention.
type InMemoryIndex struct {
	mu        sync.RWMutex
	kinds     map[uint32]types.IndexKind
	hash      map[uint32]map[string][]types.RowID
	sorted    map[uint32][]mvcc.IndexRow // kept sorted by Key
	available map[uint32]bool
}

// NewInMemoryIndex builds an index source with no entries.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		kinds:     make(map[uint32]types.IndexKind),
		hash:      make(map[uint32]map[string][]types.RowID),
		sorted:    make(map[uint32][]mvcc.IndexRow),
		available: make(map[uint32]bool),
	}
}

// MarkAvailable flips indexID from "building" to "available": reads
// against it stop being ignored. lastRowID is the watermark the BUILD_INDEX
// command backfilled up to; it is informational only here since the
// backfill itself already populated the entries before this command was
// submitted (spec supplement: "reads against an index ignore it until the
// watermark is reached").
func (ix *InMemoryIndex) MarkAvailable(indexID uint32, lastRowID *types.RowID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.available[indexID] = true
}

// Available reports whether indexID has been marked built. PK lookups
// never go through the build pipeline, so callers that defined an index
// and immediately want it live should call MarkAvailable themselves.
func (ix *InMemoryIndex) Available(indexID uint32) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.available[indexID]
}

// DefineIndex records whether indexID is a hash or sorted index, so Insert
// knows which structure to maintain. Safe to call multiple times with the
// same kind.
func (ix *InMemoryIndex) DefineIndex(indexID uint32, kind types.IndexKind) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.kinds[indexID] = kind
}

// Insert adds one entry to indexID, maintaining sorted order for sorted
// indexes.
func (ix *InMemoryIndex) Insert(indexID uint32, key types.BinaryTuple, rowID types.RowID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.kinds[indexID] == types.IndexKindSorted {
		rows := ix.sorted[indexID]
		i := sort.Search(len(rows), func(i int) bool { return compareTuples(rows[i].Key, key) >= 0 })
		rows = append(rows, mvcc.IndexRow{})
		copy(rows[i+1:], rows[i:])
		rows[i] = mvcc.IndexRow{Key: key, RowID: rowID}
		ix.sorted[indexID] = rows
		return
	}

	byKey := ix.hash[indexID]
	if byKey == nil {
		byKey = make(map[string][]types.RowID)
		ix.hash[indexID] = byKey
	}
	byKey[string(key)] = append(byKey[string(key)], rowID)
}

// Remove deletes one entry from indexID.
func (ix *InMemoryIndex) Remove(indexID uint32, key types.BinaryTuple, rowID types.RowID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.kinds[indexID] == types.IndexKindSorted {
		rows := ix.sorted[indexID]
		for i, r := range rows {
			if r.RowID == rowID && compareTuples(r.Key, key) == 0 {
				ix.sorted[indexID] = append(rows[:i], rows[i+1:]...)
				break
			}
		}
		return
	}

	byKey := ix.hash[indexID]
	ids := byKey[string(key)]
	for i, id := range ids {
		if id == rowID {
			byKey[string(key)] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// HashLookup satisfies mvcc.IndexSource.
func (ix *InMemoryIndex) HashLookup(indexID uint32, key types.BinaryTuple) ([]types.RowID, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.available[indexID] {
		return nil, nil
	}
	ids := ix.hash[indexID][string(key)]
	out := make([]types.RowID, len(ids))
	copy(out, ids)
	return out, nil
}

// SortedAfter satisfies mvcc.IndexSource.
func (ix *InMemoryIndex) SortedAfter(indexID uint32, after *types.BinaryTuple, limit int) ([]mvcc.IndexRow, bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.available[indexID] {
		return nil, false, nil
	}
	rows := ix.sorted[indexID]

	start := 0
	if after != nil {
		start = sort.Search(len(rows), func(i int) bool { return compareTuples(rows[i].Key, *after) > 0 })
	}
	if start >= len(rows) {
		return nil, false, nil
	}
	end := start + limit
	more := end < len(rows)
	if end > len(rows) {
		end = len(rows)
	}
	out := make([]mvcc.IndexRow, end-start)
	copy(out, rows[start:end])
	return out, more, nil
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
