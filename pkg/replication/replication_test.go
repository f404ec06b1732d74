package replication

import (
	"context"
	"testing"
	"time"

	"github.com/distrikv/partd/pkg/clock"
	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/replerr"
	"github.com/distrikv/partd/pkg/txn"
	"github.com/distrikv/partd/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeApplier applies commands directly against an FSM, simulating a
// single-node RAFT group committing synchronously.
type fakeApplier struct {
	fsm   *FSM
	index uint64
}

func (a *fakeApplier) Apply(data []byte, _ time.Duration) (interface{}, error) {
	a.index++
	resp := a.fsm.Apply(&raft.Log{Index: a.index, Data: data})
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func hts(ms int64) types.HybridTimestamp { return types.HybridTimestamp{Physical: ms} }

func txID(n byte) types.TransactionID {
	var id types.TransactionID
	id[15] = n
	return id
}

func rowID(n byte) types.RowID {
	var id types.RowID
	id.UUID[15] = n
	return id
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeApplier, mvcc.RowStore, txn.DurableStore) {
	t.Helper()
	store := mvcc.NewInMemoryStore()
	durable := txn.NewInMemoryDurableStore()
	tracker := clock.NewSafeTimeTracker()
	fsm := NewFSM(types.GroupID{TableID: 1, PartitionID: 1}, store, durable, tracker, nil, nil)
	applier := &fakeApplier{fsm: fsm}
	hlc := clock.New()
	d := NewDispatcher(types.GroupID{TableID: 1, PartitionID: 1}, applier, hlc, tracker)
	return d, applier, store, durable
}

func TestDispatcherSubmitUpdateThenFinishCommits(t *testing.T) {
	d, _, store, _ := newTestDispatcher(t)
	tx := txID(1)
	row := rowID(1)

	require.NoError(t, d.SubmitUpdate(context.Background(), false, 1, UpdatePayload{
		TxID: tx, RowID: row, Row: &types.BinaryRow{Bytes: []byte("v1")},
	}))

	rr, err := store.ReadAt(row, hts(1<<40))
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.True(t, rr.IsWriteIntent)

	require.NoError(t, d.SubmitFinish(context.Background(), types.GroupID{}, tx, true, hts(1<<40), 1, nil))

	rr, err = store.ReadAt(row, hts(1<<41))
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.False(t, rr.IsWriteIntent)
	assert.Equal(t, "v1", string(rr.Row.Bytes))
}

func TestDispatcherSubmitFinishAbortDiscardsIntent(t *testing.T) {
	d, _, store, _ := newTestDispatcher(t)
	tx := txID(2)
	row := rowID(2)

	require.NoError(t, d.SubmitUpdate(context.Background(), false, 1, UpdatePayload{
		TxID: tx, RowID: row, Row: &types.BinaryRow{Bytes: []byte("v1")},
	}))
	require.NoError(t, d.SubmitFinish(context.Background(), types.GroupID{}, tx, false, hts(100), 1, nil))

	rr, err := store.ReadAt(row, hts(200))
	require.NoError(t, err)
	assert.Nil(t, rr)
}

func TestDispatcherMarkLocksReleasedUpdatesDurable(t *testing.T) {
	d, _, _, durable := newTestDispatcher(t)
	tx := txID(3)
	require.NoError(t, durable.Save(types.TxMeta{TxID: tx, State: types.TxStateCommitted}))

	require.NoError(t, d.SubmitMarkLocksReleased(context.Background(), types.GroupID{}, tx))

	meta, ok, err := durable.Load(tx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta.LocksReleased)
}

func TestDispatcherRetriesOnSafeTimeReorder(t *testing.T) {
	store := mvcc.NewInMemoryStore()
	durable := txn.NewInMemoryDurableStore()
	tracker := clock.NewSafeTimeTracker()
	fsm := NewFSM(types.GroupID{TableID: 1, PartitionID: 1}, store, durable, tracker, nil, nil)
	applier := &fakeApplier{fsm: fsm}

	// A clock stuck at a fixed instant forces the tracker (already
	// advanced ahead of it) to look "behind", exercising the reorder
	// retry path before the dispatcher gives up.
	fixed := time.UnixMilli(1000)
	hlc := clock.NewWithSource(func() time.Time { return fixed })
	tracker.Advance(hts(5000))

	d := NewDispatcher(types.GroupID{TableID: 1, PartitionID: 1}, applier, hlc, tracker)
	err := d.SubmitSafeTimeSync(context.Background())
	var exceeded *replerr.ReplicationMaxRetriesExceeded
	require.ErrorAs(t, err, &exceeded)
}

// fakeIndexAvailability records MarkAvailable calls, standing in for
// collab.InMemoryIndex so this package doesn't need to import it.
type fakeIndexAvailability struct {
	marked    map[uint32]bool
	lastRowID map[uint32]*types.RowID
}

func (f *fakeIndexAvailability) MarkAvailable(indexID uint32, lastRowID *types.RowID) {
	if f.marked == nil {
		f.marked = make(map[uint32]bool)
		f.lastRowID = make(map[uint32]*types.RowID)
	}
	f.marked[indexID] = true
	f.lastRowID[indexID] = lastRowID
}

func TestDispatcherSubmitBuildIndexMarksAvailable(t *testing.T) {
	store := mvcc.NewInMemoryStore()
	durable := txn.NewInMemoryDurableStore()
	tracker := clock.NewSafeTimeTracker()
	index := &fakeIndexAvailability{}
	fsm := NewFSM(types.GroupID{TableID: 1, PartitionID: 1}, store, durable, tracker, index, nil)
	applier := &fakeApplier{fsm: fsm}
	hlc := clock.New()
	d := NewDispatcher(types.GroupID{TableID: 1, PartitionID: 1}, applier, hlc, tracker)

	row := rowID(9)
	require.NoError(t, d.SubmitBuildIndex(context.Background(), BuildIndexPayload{IndexID: 2, LastRowID: &row}))

	assert.True(t, index.marked[2])
	require.NotNil(t, index.lastRowID[2])
	assert.Equal(t, row, *index.lastRowID[2])
}
