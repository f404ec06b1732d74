package mvcc

import (
	"context"
	"testing"

	"github.com/distrikv/partd/pkg/lock"
	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndexSource struct {
	rows []IndexRow
}

func (f *fakeIndexSource) HashLookup(_ uint32, key types.BinaryTuple) ([]types.RowID, error) {
	var out []types.RowID
	for _, r := range f.rows {
		if string(r.Key) == string(key) {
			out = append(out, r.RowID)
		}
	}
	return out, nil
}

func (f *fakeIndexSource) SortedAfter(_ uint32, after *types.BinaryTuple, limit int) ([]IndexRow, bool, error) {
	start := 0
	if after != nil {
		for i, r := range f.rows {
			if string(r.Key) == string(*after) {
				start = i + 1
				break
			}
		}
	}
	if start >= len(f.rows) {
		return nil, false, nil
	}
	end := start + limit
	more := end < len(f.rows)
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[start:end], more, nil
}

func TestRegistryRegisterGetClose(t *testing.T) {
	reg := NewRegistry()
	id := types.CursorID{TxID: txID(1), ScanID: 1}
	c := NewFullScanCursor(7)

	reg.Register(id, c)
	got, ok := reg.Get(id)
	require.True(t, ok)
	assert.Same(t, c, got)

	reg.Close(id)
	_, ok = reg.Get(id)
	assert.False(t, ok)
}

func TestRegistryCloseAllForTx(t *testing.T) {
	reg := NewRegistry()
	tx := txID(1)
	reg.Register(types.CursorID{TxID: tx, ScanID: 1}, NewFullScanCursor(1))
	reg.Register(types.CursorID{TxID: tx, ScanID: 2}, NewFullScanCursor(1))
	reg.Register(types.CursorID{TxID: txID(2), ScanID: 1}, NewFullScanCursor(1))

	reg.CloseAllForTx(tx)
	_, ok := reg.Get(types.CursorID{TxID: tx, ScanID: 1})
	assert.False(t, ok)
	_, ok = reg.Get(types.CursorID{TxID: txID(2), ScanID: 1})
	assert.True(t, ok)
}

func TestLockerLocksForScanRespectsUpperBound(t *testing.T) {
	src := &fakeIndexSource{rows: []IndexRow{
		{Key: []byte{2}, RowID: rid(2)},
		{Key: []byte{3}, RowID: rid(3)},
		{Key: []byte{4}, RowID: rid(4)},
		{Key: []byte{5}, RowID: rid(5)},
	}}
	locker := NewLocker(lock.NewTable(), src)
	c := NewSortedIndexCursor(1, []byte{2}, []byte{4}, types.ScanLessOrEqual)
	tx := txID(1)

	var seen []byte
	for {
		row, err := locker.LocksForScan(context.Background(), tx, c)
		require.NoError(t, err)
		if row == nil {
			break
		}
		seen = append(seen, row.Key[0])
	}
	assert.Equal(t, []byte{2, 3, 4}, seen)
}

func TestLockerInsertRemoveShortTermLocks(t *testing.T) {
	lt := lock.NewTable()
	locker := NewLocker(lt, &fakeIndexSource{})
	tx := txID(1)

	require.NoError(t, locker.LocksForInsert(context.Background(), tx, 1, []byte{9}))
	assert.Equal(t, 2, lt.HeldByTx(tx)) // IX on index + X on entry

	locker.ReleaseShortTermIndexLocks(tx, 1, []byte{9})
	assert.Equal(t, 1, lt.HeldByTx(tx))
}
