package reconciler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/distrikv/partd/pkg/types"
	"github.com/stretchr/testify/require"
)

type countingRecoverer struct{ n atomic.Int64 }

func (c *countingRecoverer) OnPrimaryElected() { c.n.Add(1) }

func TestSweeperSweepsRegisteredGroups(t *testing.T) {
	s := NewSweeper(1)
	r := &countingRecoverer{}
	s.Register(types.GroupID{TableID: 1, PartitionID: 0}, r)

	s.sweep()
	s.sweep()

	require.Equal(t, int64(2), r.n.Load())
}

func TestSweeperUnregisterStopsFutureSweeps(t *testing.T) {
	s := NewSweeper(1)
	groupID := types.GroupID{TableID: 1, PartitionID: 0}
	r := &countingRecoverer{}
	s.Register(groupID, r)
	s.sweep()
	s.Unregister(groupID)
	s.sweep()

	require.Equal(t, int64(1), r.n.Load())
}

func TestSweeperStartStop(t *testing.T) {
	s := NewSweeper(1)
	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}
