package mvcc

import (
	"context"
	"testing"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTxStates struct {
	state    types.TxState
	commitTS types.HybridTimestamp
}

func (f *fakeTxStates) ResolveTxState(context.Context, types.TransactionID, uint32, *types.HybridTimestamp) (types.TxState, types.HybridTimestamp, error) {
	return f.state, f.commitTS, nil
}

type fakeSwitcher struct {
	calls []types.RowID
}

func (f *fakeSwitcher) ScheduleSwitch(_ types.TransactionID, rowID types.RowID, _ bool, _ types.HybridTimestamp) {
	f.calls = append(f.calls, rowID)
}

func TestResolveOwnIntentVisibleToSameTx(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)
	tx := txID(1)
	require.NoError(t, s.PutIntent(tx, row, &types.BinaryRow{Bytes: []byte("v1")}))

	r := NewReadResolver(s, &fakeTxStates{state: types.TxStatePending}, &fakeSwitcher{})
	rr, err := r.Resolve(context.Background(), row, hts(10), &tx)
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.True(t, rr.IsWriteIntent)
}

func TestResolveCommittedIntentReadableAtOrAfterCommit(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)
	tx := txID(1)
	require.NoError(t, s.PutIntent(tx, row, &types.BinaryRow{Bytes: []byte("v1")}))

	sw := &fakeSwitcher{}
	r := NewReadResolver(s, &fakeTxStates{state: types.TxStateCommitted, commitTS: hts(10)}, sw)
	rr, err := r.Resolve(context.Background(), row, hts(20), nil)
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.False(t, rr.IsWriteIntent)
	assert.Equal(t, "v1", string(rr.Row.Bytes))
	assert.Len(t, sw.calls, 1)
}

func TestResolveCommittedIntentNotYetReadableFallsBack(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)

	require.NoError(t, s.PutIntent(txID(1), row, &types.BinaryRow{Bytes: []byte("v1")}))
	require.NoError(t, s.CommitIntent(txID(1), row, hts(5)))
	require.NoError(t, s.PutIntent(txID(2), row, &types.BinaryRow{Bytes: []byte("v2")}))

	r := NewReadResolver(s, &fakeTxStates{state: types.TxStateCommitted, commitTS: hts(50)}, &fakeSwitcher{})
	rr, err := r.Resolve(context.Background(), row, hts(20), nil)
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.Equal(t, "v1", string(rr.Row.Bytes))
}

func TestResolvePendingIntentNotReadable(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)
	require.NoError(t, s.PutIntent(txID(1), row, &types.BinaryRow{Bytes: []byte("v1")}))
	require.NoError(t, s.CommitIntent(txID(1), row, hts(5)))
	require.NoError(t, s.PutIntent(txID(2), row, &types.BinaryRow{Bytes: []byte("v2")}))

	r := NewReadResolver(s, &fakeTxStates{state: types.TxStatePending}, &fakeSwitcher{})
	rr, err := r.Resolve(context.Background(), row, hts(20), nil)
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.Equal(t, "v1", string(rr.Row.Bytes))
}

func TestResolveScheduleCleanupDedupsAndAwaitCompletes(t *testing.T) {
	s := NewInMemoryStore()
	row := rid(1)
	require.NoError(t, s.PutIntent(txID(1), row, &types.BinaryRow{Bytes: []byte("v1")}))

	sw := &fakeSwitcher{}
	r := NewReadResolver(s, &fakeTxStates{state: types.TxStateCommitted, commitTS: hts(1)}, sw)

	_, err := r.Resolve(context.Background(), row, hts(20), nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), row, hts(20), nil)
	require.NoError(t, err)
	assert.Len(t, sw.calls, 1, "second resolve should not re-schedule while one is in flight")

	r.MarkSwitchComplete(row)
	err = r.AwaitRowCleanup(context.Background(), row)
	require.NoError(t, err)
}
