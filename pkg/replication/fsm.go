package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/distrikv/partd/pkg/clock"
	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/txn"
	"github.com/distrikv/partd/pkg/types"
	"github.com/hashicorp/raft"
)

// IndexAvailability is the subset of collab.InMemoryIndex's API the FSM
// needs to apply BUILD_INDEX commands, kept as a narrow interface here so
// this package doesn't have to import collab.
type IndexAvailability interface {
	MarkAvailable(indexID uint32, lastRowID *types.RowID)
}

// FSM is the per-group RAFT finite state machine. It owns nothing durable
// itself beyond the in-flight tx→rows bookkeeping needed to apply
// FinishTx/WriteIntentSwitch against the right row ids; the row store and
// durable tx-meta store are injected collaborators (spec §1: "out of
// scope" storage engine, persisted here, not reinvented).
type FSM struct {
	mu      sync.Mutex
	group   string
	store   mvcc.RowStore
	durable txn.DurableStore
	safe    *clock.SafeTimeTracker
	index   IndexAvailability
	onRow   func(types.RowID) // notifies ReadResolver.MarkSwitchComplete on local switch apply
	txRows  map[types.TransactionID][]types.RowID
}

// NewFSM builds an FSM over the given row store and durable tx-meta
// store, advancing tracker as commands apply. index may be nil if this
// group never issues BUILD_INDEX commands. group labels the
// RaftApplyDuration metric and may be the zero value in tests that don't
// care about it.
func NewFSM(group types.GroupID, store mvcc.RowStore, durable txn.DurableStore, tracker *clock.SafeTimeTracker, index IndexAvailability, onRow func(types.RowID)) *FSM {
	return &FSM{
		group:   group.String(),
		store:   store,
		durable: durable,
		safe:    tracker,
		index:   index,
		onRow:   onRow,
		txRows:  make(map[types.TransactionID][]types.RowID),
	}
}

// Apply applies a single RAFT log entry. Mirrors the teacher's
// tagged-Command dispatch, generalized to the coordinator's command set.
func (f *FSM) Apply(log *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RaftApplyDuration, f.group)

	var env Envelope
	if err := json.Unmarshal(log.Data, &env); err != nil {
		return fmt.Errorf("unmarshal command envelope: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.safe.Advance(env.SafeTime)

	switch env.Kind {
	case KindUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return f.applyUpdate(p.TxID, p.RowID, p.Row)

	case KindUpdateAll:
		var p UpdateAllPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		for _, row := range p.Rows {
			if err := f.applyUpdate(p.TxID, row.RowID, row.Row); err != nil {
				return err
			}
		}
		return nil

	case KindFinishTx:
		var p FinishTxPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return f.applyFinish(p)

	case KindWriteIntentSwitch:
		var p WriteIntentSwitchPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return f.applySwitch(p.TxID, p.Commit, p.CommitTimestamp)

	case KindMarkLocksReleased:
		var p MarkLocksReleasedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return f.durable.MarkLocksReleased(p.TxID)

	case KindBuildIndex:
		var p BuildIndexPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		// The backfill itself already ran on the submitting replica before
		// this command was raised; applying it in log order just flips the
		// index from "building" to "available" everywhere consistently.
		if f.index != nil {
			f.index.MarkAvailable(p.IndexID, p.LastRowID)
		}
		return nil

	case KindSafeTimeSync:
		return nil

	default:
		return fmt.Errorf("unknown command kind: %s", env.Kind)
	}
}

func (f *FSM) applyUpdate(txID types.TransactionID, rowID types.RowID, row *types.BinaryRow) error {
	if err := f.store.PutIntent(txID, rowID, row); err != nil {
		return err
	}
	f.txRows[txID] = append(f.txRows[txID], rowID)
	return nil
}

func (f *FSM) applyFinish(p FinishTxPayload) error {
	if err := f.applySwitch(p.TxID, p.Commit, p.CommitTimestamp); err != nil {
		return err
	}
	state := types.TxStateAborted
	if p.Commit {
		state = types.TxStateCommitted
	}
	return f.durable.Save(types.TxMeta{
		TxID:               p.TxID,
		State:              state,
		CommitTimestamp:    p.CommitTimestamp,
		EnlistedPartitions: p.EnlistedPartitions,
	})
}

func (f *FSM) applySwitch(txID types.TransactionID, commit bool, commitTS types.HybridTimestamp) error {
	rows := f.txRows[txID]
	for _, rowID := range rows {
		var err error
		if commit {
			err = f.store.CommitIntent(txID, rowID, commitTS)
		} else {
			err = f.store.AbortIntent(txID, rowID)
		}
		if err != nil {
			return err
		}
		if f.onRow != nil {
			f.onRow(rowID)
		}
	}
	delete(f.txRows, txID)
	return nil
}

// Snapshot captures the FSM's own in-flight-transaction bookkeeping. The
// row store and durable tx-meta store persist independently and are not
// part of this snapshot.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]txRowsEntry, 0, len(f.txRows))
	for txID, rows := range f.txRows {
		cp := make([]types.RowID, len(rows))
		copy(cp, rows)
		entries = append(entries, txRowsEntry{TxID: txID, Rows: cp})
	}
	return &fsmSnapshot{Entries: entries}, nil
}

// Restore replaces the FSM's in-flight bookkeeping from a snapshot taken
// on this or another replica.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode fsm snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txRows = make(map[types.TransactionID][]types.RowID, len(snap.Entries))
	for _, e := range snap.Entries {
		f.txRows[e.TxID] = e.Rows
	}
	return nil
}

type txRowsEntry struct {
	TxID types.TransactionID
	Rows []types.RowID
}

type fsmSnapshot struct {
	Entries []txRowsEntry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
