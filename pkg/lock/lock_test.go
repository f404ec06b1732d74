package lock

import (
	"context"
	"testing"
	"time"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(n byte) types.TransactionID {
	var id types.TransactionID
	id[15] = n
	return id
}

func TestTableISCompatible(t *testing.T) {
	lt := NewTable()
	key := TableKey(1)

	require.NoError(t, lt.Acquire(context.Background(), tx(1), key, types.LockModeIS))
	require.NoError(t, lt.Acquire(context.Background(), tx(2), key, types.LockModeIS))
}

func TestTableXExcludesEverything(t *testing.T) {
	lt := NewTable()
	key := RowKey(1, types.NewRowID(1))

	require.NoError(t, lt.Acquire(context.Background(), tx(1), key, types.LockModeX))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := lt.Acquire(ctx, tx(2), key, types.LockModeS)
	assert.Error(t, err)
}

func TestTableXReleaseUnblocksWaiter(t *testing.T) {
	lt := NewTable()
	key := RowKey(1, types.NewRowID(1))
	holder := tx(1)
	waiter := tx(2)

	require.NoError(t, lt.Acquire(context.Background(), holder, key, types.LockModeX))

	done := make(chan error, 1)
	go func() {
		done <- lt.Acquire(context.Background(), waiter, key, types.LockModeX)
	}()

	time.Sleep(20 * time.Millisecond)
	lt.Release(holder, key)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock after release")
	}
}

func TestTableSameTxReentrant(t *testing.T) {
	lt := NewTable()
	key := TableKey(1)
	owner := tx(1)

	require.NoError(t, lt.Acquire(context.Background(), owner, key, types.LockModeIX))
	require.NoError(t, lt.Acquire(context.Background(), owner, key, types.LockModeIX))
	assert.Equal(t, 1, lt.HeldByTx(owner))
}

func TestTableReleaseAll(t *testing.T) {
	lt := NewTable()
	owner := tx(1)
	k1 := TableKey(1)
	k2 := RowKey(1, types.NewRowID(1))

	require.NoError(t, lt.Acquire(context.Background(), owner, k1, types.LockModeIX))
	require.NoError(t, lt.Acquire(context.Background(), owner, k2, types.LockModeX))

	lt.ReleaseAll(owner)
	assert.Equal(t, 0, lt.HeldByTx(owner))

	require.NoError(t, lt.Acquire(context.Background(), tx(2), k2, types.LockModeX))
}
