package txn

import (
	"context"

	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// Switcher implements mvcc.IntentSwitcher: the asynchronous write-intent
// switch a reader triggers after resolving a committed or aborted intent
// (spec §4.6, §4.8).
type Switcher struct {
	groupID  types.GroupID
	cursors  *mvcc.Registry
	volatile *VolatileStates
	submit   CommandSubmitter
	onDone   func(types.RowID)
	log      zerolog.Logger
}

// NewSwitcher builds a Switcher for the given replication group.
func NewSwitcher(groupID types.GroupID, cursors *mvcc.Registry, volatile *VolatileStates, submit CommandSubmitter, onDone func(types.RowID), log zerolog.Logger) *Switcher {
	return &Switcher{
		groupID:  groupID,
		cursors:  cursors,
		volatile: volatile,
		submit:   submit,
		onDone:   onDone,
		log:      log.With().Str("component", "write-intent-switch").Logger(),
	}
}

// ScheduleSwitch runs the switch steps of spec §4.6 in a background
// goroutine and reports completion through onDone so resolvers waiting
// in ReadResolver.AwaitRowCleanup can proceed.
func (s *Switcher) ScheduleSwitch(txID types.TransactionID, rowID types.RowID, commit bool, commitTS types.HybridTimestamp) {
	go func() {
		defer func() {
			if s.onDone != nil {
				s.onDone(rowID)
			}
		}()

		s.cursors.CloseAllForTx(txID)

		state := types.TxStateAborted
		if commit {
			state = types.TxStateCommitted
		}
		s.volatile.SetFinal(txID, state, s.groupID.PartitionID, commitTS)

		if err := s.submit.SubmitWriteIntentSwitch(context.Background(), s.groupID, txID, commit, commitTS); err != nil {
			s.log.Warn().Err(err).Str("tx", txID.String()).Str("row", rowID.String()).
				Msg("write intent switch command failed, row stays resolved only locally")
		}
	}()
}
