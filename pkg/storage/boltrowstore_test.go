package storage

import (
	"testing"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltRowStore {
	t.Helper()
	store, err := NewBoltRowStore(t.TempDir(), "7-1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ts(ms int64) types.HybridTimestamp { return types.HybridTimestamp{Physical: ms} }

func TestBoltRowStorePutCommitThenReadAt(t *testing.T) {
	store := openTestStore(t)
	txID := types.NewTransactionID(ts(1))
	rowID := types.NewRowID(1)
	row := &types.BinaryRow{Bytes: []byte("hello"), SchemaVersion: 1}

	require.NoError(t, store.PutIntent(txID, rowID, row))

	rr, err := store.ReadAt(rowID, ts(5))
	require.NoError(t, err)
	require.True(t, rr.IsWriteIntent)
	require.Equal(t, txID, rr.TransactionID)

	require.NoError(t, store.CommitIntent(txID, rowID, ts(10)))

	rr, err = store.ReadAt(rowID, ts(10))
	require.NoError(t, err)
	require.False(t, rr.IsWriteIntent)
	require.Equal(t, "hello", string(rr.Row.Bytes))

	rr, err = store.ReadAt(rowID, ts(1))
	require.NoError(t, err)
	require.Nil(t, rr)
}

func TestBoltRowStorePutIntentConflict(t *testing.T) {
	store := openTestStore(t)
	rowID := types.NewRowID(1)
	txA := types.NewTransactionID(ts(1))
	txB := types.NewTransactionID(ts(2))

	require.NoError(t, store.PutIntent(txA, rowID, &types.BinaryRow{Bytes: []byte("a")}))
	err := store.PutIntent(txB, rowID, &types.BinaryRow{Bytes: []byte("b")})
	require.Error(t, err)
}

func TestBoltRowStoreAbortIntentRestoresPriorValue(t *testing.T) {
	store := openTestStore(t)
	rowID := types.NewRowID(1)
	txA := types.NewTransactionID(ts(1))
	require.NoError(t, store.PutIntent(txA, rowID, &types.BinaryRow{Bytes: []byte("v1")}))
	require.NoError(t, store.CommitIntent(txA, rowID, ts(5)))

	txB := types.NewTransactionID(ts(6))
	require.NoError(t, store.PutIntent(txB, rowID, &types.BinaryRow{Bytes: []byte("v2")}))
	require.NoError(t, store.AbortIntent(txB, rowID))

	rr, err := store.ReadCommittedAt(rowID, ts(10))
	require.NoError(t, err)
	require.Equal(t, "v1", string(rr.Row.Bytes))
}

func TestBoltRowStoreScanAfterPaginates(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 3; i++ {
		rowID := types.NewRowID(1)
		txID := types.NewTransactionID(ts(int64(i)))
		require.NoError(t, store.PutIntent(txID, rowID, &types.BinaryRow{Bytes: []byte("x")}))
		require.NoError(t, store.CommitIntent(txID, rowID, ts(int64(i+1))))
	}

	ids, more := store.ScanAfter(nil, 2)
	require.Len(t, ids, 2)
	require.True(t, more)

	rest, more := store.ScanAfter(&ids[1], 10)
	require.Len(t, rest, 1)
	require.False(t, more)
}

func TestBoltRowStoreScanAfterSeesUncommittedIntent(t *testing.T) {
	store := openTestStore(t)
	committedRow := types.NewRowID(1)
	committedTx := types.NewTransactionID(ts(1))
	require.NoError(t, store.PutIntent(committedTx, committedRow, &types.BinaryRow{Bytes: []byte("a")}))
	require.NoError(t, store.CommitIntent(committedTx, committedRow, ts(2)))

	pendingRow := types.NewRowID(1)
	pendingTx := types.NewTransactionID(ts(3))
	require.NoError(t, store.PutIntent(pendingTx, pendingRow, &types.BinaryRow{Bytes: []byte("b")}))

	ids, more := store.ScanAfter(nil, 10)
	require.False(t, more)
	require.ElementsMatch(t, []types.RowID{committedRow, pendingRow}, ids)
}

func TestBoltRowStoreScanAfterDedupesRowWithBothVersionAndIntent(t *testing.T) {
	store := openTestStore(t)
	rowID := types.NewRowID(1)
	txA := types.NewTransactionID(ts(1))
	require.NoError(t, store.PutIntent(txA, rowID, &types.BinaryRow{Bytes: []byte("v1")}))
	require.NoError(t, store.CommitIntent(txA, rowID, ts(2)))

	txB := types.NewTransactionID(ts(3))
	require.NoError(t, store.PutIntent(txB, rowID, &types.BinaryRow{Bytes: []byte("v2")}))

	ids, more := store.ScanAfter(nil, 10)
	require.False(t, more)
	require.Equal(t, []types.RowID{rowID}, ids)
}
