package mvcc

import (
	"testing"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rid(n byte) types.RowID {
	var id types.RowID
	id.UUID[15] = n
	return id
}

func txID(n byte) types.TransactionID {
	var id types.TransactionID
	id[15] = n
	return id
}

func hts(ms int64) types.HybridTimestamp { return types.HybridTimestamp{Physical: ms} }

func TestInMemoryStoreCommitThenRead(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)
	tx := txID(1)

	require.NoError(t, s.PutIntent(tx, row, &types.BinaryRow{Bytes: []byte("v1")}))
	rr, err := s.ReadAt(row, hts(5))
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.True(t, rr.IsWriteIntent)

	require.NoError(t, s.CommitIntent(tx, row, hts(10)))
	rr, err = s.ReadAt(row, hts(20))
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.False(t, rr.IsWriteIntent)
	assert.Equal(t, "v1", string(rr.Row.Bytes))
}

func TestInMemoryStoreReadBeforeCommitSeesOlderVersion(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)

	require.NoError(t, s.PutIntent(txID(1), row, &types.BinaryRow{Bytes: []byte("v1")}))
	require.NoError(t, s.CommitIntent(txID(1), row, hts(10)))

	require.NoError(t, s.PutIntent(txID(2), row, &types.BinaryRow{Bytes: []byte("v2")}))
	rr, err := s.ReadAt(row, hts(50))
	require.NoError(t, err)
	assert.True(t, rr.IsWriteIntent)
	assert.Equal(t, hts(10), rr.NewestCommitTimestamp)

	rr2, err := s.ReadCommittedAt(row, hts(50))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(rr2.Row.Bytes))
}

func TestInMemoryStoreAbortRestoresPriorVersion(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)

	require.NoError(t, s.PutIntent(txID(1), row, &types.BinaryRow{Bytes: []byte("v1")}))
	require.NoError(t, s.CommitIntent(txID(1), row, hts(10)))
	require.NoError(t, s.PutIntent(txID(2), row, &types.BinaryRow{Bytes: []byte("v2")}))
	require.NoError(t, s.AbortIntent(txID(2), row))

	rr, err := s.ReadAt(row, hts(50))
	require.NoError(t, err)
	assert.False(t, rr.IsWriteIntent)
	assert.Equal(t, "v1", string(rr.Row.Bytes))
}

func TestInMemoryStorePutIntentConflict(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)
	require.NoError(t, s.PutIntent(txID(1), row, &types.BinaryRow{Bytes: []byte("v1")}))
	err := s.PutIntent(txID(2), row, &types.BinaryRow{Bytes: []byte("v2")})
	assert.Error(t, err)
}

func TestInMemoryStoreScanAfterPagination(t *testing.T) {
	s := NewInMemoryStore()
	for i := byte(1); i <= 5; i++ {
		row := rid(i)
		require.NoError(t, s.PutIntent(txID(i), row, &types.BinaryRow{Bytes: []byte{i}}))
		require.NoError(t, s.CommitIntent(txID(i), row, hts(int64(i))))
	}

	page1, more := s.ScanAfter(nil, 2)
	require.True(t, more)
	require.Len(t, page1, 2)

	last := page1[len(page1)-1]
	page2, more := s.ScanAfter(&last, 2)
	require.True(t, more)
	require.Len(t, page2, 2)

	last2 := page2[len(page2)-1]
	page3, more := s.ScanAfter(&last2, 2)
	require.False(t, more)
	require.Len(t, page3, 1)
}
