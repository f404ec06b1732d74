package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/replerr"
	"github.com/distrikv/partd/pkg/schema"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hts(ms int64) types.HybridTimestamp { return types.HybridTimestamp{Physical: ms} }

func txID(n byte) types.TransactionID {
	var id types.TransactionID
	id[15] = n
	return id
}

type fakeSubmitter struct {
	mu         sync.Mutex
	durable    DurableStore
	failFinish bool
	switches   int
	marks      int
}

func (f *fakeSubmitter) SubmitFinish(_ context.Context, groupID types.GroupID, txID types.TransactionID, commit bool, commitTS types.HybridTimestamp, _ uint32, enlisted []types.GroupID) error {
	if f.failFinish {
		return assert.AnError
	}
	state := types.TxStateAborted
	if commit {
		state = types.TxStateCommitted
	}
	return f.durable.Save(types.TxMeta{TxID: txID, State: state, CommitTimestamp: commitTS, EnlistedPartitions: enlisted})
}

func (f *fakeSubmitter) SubmitWriteIntentSwitch(context.Context, types.GroupID, types.TransactionID, bool, types.HybridTimestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches++
	return nil
}

func (f *fakeSubmitter) SubmitMarkLocksReleased(context.Context, types.GroupID, types.TransactionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	return nil
}

func newFinisher(t *testing.T, submitter *fakeSubmitter, durable DurableStore, cat *schema.InMemoryCatalog) *Finisher {
	t.Helper()
	volatile := NewVolatileStates()
	cleanup := NewCleanup(submitter)
	return NewFinisher(volatile, durable, schema.NewValidator(cat), submitter, cleanup, zerolog.Nop())
}

func TestFinisherCommitThenIdempotentRetry(t *testing.T) {
	durable := NewInMemoryDurableStore()
	submitter := &fakeSubmitter{durable: durable}
	cat := schema.NewInMemoryCatalog()
	cat.CreateTable(1, hts(0))
	f := newFinisher(t, submitter, durable, cat)

	group := types.GroupID{TableID: 1, PartitionID: 1}
	req := FinishRequest{TxID: txID(1), GroupID: group, Commit: true, CommitTimestamp: hts(10), TxBeginTS: hts(1), EnlistedTables: []uint32{1}}

	meta, err := f.Finish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TxStateCommitted, meta.State)
	assert.Equal(t, 1, submitter.marks)

	// retry with same outcome is idempotent
	meta2, err := f.Finish(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.TxStateCommitted, meta2.State)
}

func TestFinisherConflictingRetryFails(t *testing.T) {
	durable := NewInMemoryDurableStore()
	submitter := &fakeSubmitter{durable: durable}
	cat := schema.NewInMemoryCatalog()
	cat.CreateTable(1, hts(0))
	f := newFinisher(t, submitter, durable, cat)

	group := types.GroupID{TableID: 1, PartitionID: 1}
	_, err := f.Finish(context.Background(), FinishRequest{TxID: txID(1), GroupID: group, Commit: true, CommitTimestamp: hts(10), TxBeginTS: hts(1), EnlistedTables: []uint32{1}})
	require.NoError(t, err)

	_, err = f.Finish(context.Background(), FinishRequest{TxID: txID(1), GroupID: group, Commit: true, CommitTimestamp: hts(10)})
	require.NoError(t, err) // commit after commit is allowed (idempotent, already locks-released)

	// Force locksReleased=false to exercise the disallowed-transition path.
	durable.mu.Lock()
	m := durable.metas[txID(1)]
	m.LocksReleased = false
	durable.metas[txID(1)] = m
	durable.mu.Unlock()

	f2 := newFinisher(t, submitter, durable, cat)
	_, err = f2.Finish(context.Background(), FinishRequest{TxID: txID(1), GroupID: group, Commit: false, CommitTimestamp: hts(10)})
	// rollback against an already-committed transaction must fail: finishing
	// with a different outcome than the stored one is never allowed.
	require.Error(t, err)
	var alreadyFinished *replerr.TransactionAlreadyFinished
	require.ErrorAs(t, err, &alreadyFinished)
	assert.Equal(t, types.TxStateCommitted, alreadyFinished.Result.State)
}

func TestFinisherForwardSchemaAbort(t *testing.T) {
	durable := NewInMemoryDurableStore()
	submitter := &fakeSubmitter{durable: durable}
	cat := schema.NewInMemoryCatalog()
	cat.CreateTable(1, hts(0))
	cat.DropTable(1, hts(5))
	f := newFinisher(t, submitter, durable, cat)

	group := types.GroupID{TableID: 1, PartitionID: 1}
	_, err := f.Finish(context.Background(), FinishRequest{
		TxID: txID(9), GroupID: group, Commit: true, CommitTimestamp: hts(10),
		TxBeginTS: hts(1), EnlistedTables: []uint32{1},
	})
	require.Error(t, err)

	meta, ok, loadErr := durable.Load(txID(9))
	require.NoError(t, loadErr)
	require.True(t, ok)
	assert.Equal(t, types.TxStateAborted, meta.State)
}

func TestStateResolverFallsBackToDurable(t *testing.T) {
	durable := NewInMemoryDurableStore()
	require.NoError(t, durable.Save(types.TxMeta{TxID: txID(1), State: types.TxStateCommitted, CommitTimestamp: hts(10)}))

	resolver := NewStateResolver(NewVolatileStates(), durable, nil, nil, zerolog.Nop())
	state, commitTS, err := resolver.ResolveTxState(context.Background(), txID(1), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TxStateCommitted, state)
	assert.Equal(t, hts(10), commitTS)
}

func TestStateResolverPendingWhenNeitherFinal(t *testing.T) {
	durable := NewInMemoryDurableStore()
	volatile := NewVolatileStates()
	volatile.Enlist(txID(1), "node-a")

	resolver := NewStateResolver(volatile, durable, nil, nil, zerolog.Nop())
	state, _, err := resolver.ResolveTxState(context.Background(), txID(1), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TxStatePending, state)
}

func TestSwitcherSchedulesAndSignalsCompletion(t *testing.T) {
	durable := NewInMemoryDurableStore()
	submitter := &fakeSubmitter{durable: durable}
	cursors := mvcc.NewRegistry()
	volatile := NewVolatileStates()

	var doneMu sync.Mutex
	var doneRow *types.RowID

	s := NewSwitcher(types.GroupID{TableID: 1, PartitionID: 1}, cursors, volatile, submitter, func(r types.RowID) {
		doneMu.Lock()
		doneRow = &r
		doneMu.Unlock()
	}, zerolog.Nop())

	var row types.RowID
	row.UUID[15] = 7
	s.ScheduleSwitch(txID(1), row, true, hts(5))

	require.Eventually(t, func() bool {
		doneMu.Lock()
		defer doneMu.Unlock()
		return doneRow != nil
	}, time.Second, 5*time.Millisecond)

	meta, ok := volatile.Get(txID(1))
	require.True(t, ok)
	assert.Equal(t, types.TxStateCommitted, meta.State)
	assert.Equal(t, 1, submitter.switches)
}

func TestRecoverySweepMarksLocksReleased(t *testing.T) {
	durable := NewInMemoryDurableStore()
	submitter := &fakeSubmitter{durable: durable}
	group := types.GroupID{TableID: 1, PartitionID: 1}
	require.NoError(t, durable.Save(types.TxMeta{
		TxID: txID(3), State: types.TxStateCommitted, CommitTimestamp: hts(10),
		EnlistedPartitions: []types.GroupID{{TableID: 1, PartitionID: 2}},
	}))

	cleanup := NewCleanup(submitter)
	recovery := NewRecovery(group, durable, cleanup, nil, zerolog.Nop())
	recovery.SweepOnPrimaryElected()

	require.Eventually(t, func() bool {
		meta, _, _ := durable.Load(txID(3))
		return meta.LocksReleased
	}, time.Second, 5*time.Millisecond)
}
