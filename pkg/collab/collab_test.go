package collab

import (
	"context"
	"testing"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(ms int64) types.HybridTimestamp { return types.HybridTimestamp{Physical: ms} }

func TestStaticPlacementDriverSetAndClear(t *testing.T) {
	d := NewStaticPlacementDriver()
	group := types.GroupID{TableID: 1, PartitionID: 0}

	_, ok := d.LeaseFor(context.Background(), group, ts(100))
	assert.False(t, ok)

	d.ApplyEvent(types.ClusterEvent{
		Kind: types.EventPrimaryElected, GroupID: group,
		Leaseholder: "node-a", StartTime: ts(100), ExpirationTime: ts(200),
	})
	lease, ok := d.LeaseFor(context.Background(), group, ts(150))
	require.True(t, ok)
	assert.Equal(t, "node-a", lease.Leaseholder)

	d.ApplyEvent(types.ClusterEvent{Kind: types.EventPrimaryExpired, GroupID: group})
	_, ok = d.LeaseFor(context.Background(), group, ts(150))
	assert.False(t, ok)
}

func TestFuncCodecExtractKey(t *testing.T) {
	c := NewFuncCodec()
	c.Register(0, func(row *types.BinaryRow) (types.BinaryTuple, error) {
		return types.BinaryTuple(row.Bytes[:4]), nil
	})

	key, err := c.ExtractKey(0, &types.BinaryRow{Bytes: []byte("key1rest")})
	require.NoError(t, err)
	assert.Equal(t, types.BinaryTuple("key1"), key)

	_, err = c.ExtractKey(99, &types.BinaryRow{Bytes: []byte("x")})
	assert.Error(t, err)
}

func TestInMemoryIndexHashLookup(t *testing.T) {
	ix := NewInMemoryIndex()
	ix.DefineIndex(0, types.IndexKindHash)
	ix.MarkAvailable(0, nil)
	row := types.RowID{PartitionID: 1, UUID: [16]byte{1}}
	ix.Insert(0, types.BinaryTuple("k1"), row)

	ids, err := ix.HashLookup(0, types.BinaryTuple("k1"))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, row, ids[0])

	ix.Remove(0, types.BinaryTuple("k1"), row)
	ids, err = ix.HashLookup(0, types.BinaryTuple("k1"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestInMemoryIndexSortedAfterRespectsOrderAndPagination(t *testing.T) {
	ix := NewInMemoryIndex()
	ix.DefineIndex(1, types.IndexKindSorted)
	ix.MarkAvailable(1, nil)
	for _, k := range []string{"c", "a", "b"} {
		ix.Insert(1, types.BinaryTuple(k), types.RowID{UUID: [16]byte{k[0]}})
	}

	rows, more, err := ix.SortedAfter(1, nil, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, types.BinaryTuple("a"), rows[0].Key)
	assert.Equal(t, types.BinaryTuple("b"), rows[1].Key)
	assert.True(t, more)

	rest, more, err := ix.SortedAfter(1, &rows[1].Key, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, types.BinaryTuple("c"), rest[0].Key)
	assert.False(t, more)
}
