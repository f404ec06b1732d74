package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/distrikv/partd/pkg/clock"
	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/replerr"
	"github.com/distrikv/partd/pkg/types"
)

// MaxRetriesOnSafeTimeReordering bounds the resubmission loop spec §4.4
// step 5 and §4.9 describe; exhaustion is fatal for the request.
const MaxRetriesOnSafeTimeReordering = 8

// errSafeTimeReorder marks a submission whose stamped safeTime was
// already behind the tracker by the time the linearization mutex was
// acquired — the dispatcher retries these internally rather than
// surfacing them.
var errSafeTimeReorder = errors.New("safe time reorder")

// Dispatcher implements the per-group Safe-Time Dispatcher (spec §4.9):
// every safe-time-carrying command is stamped and submitted under a
// single mutex so RAFT apply order matches submission order by
// safeTime, with automatic retry on reorder.
type Dispatcher struct {
	groupID types.GroupID
	applier Applier
	clock   *clock.HybridClock
	tracker *clock.SafeTimeTracker
	timeout time.Duration

	mu sync.Mutex
}

// NewDispatcher builds a Dispatcher for one replication group.
func NewDispatcher(groupID types.GroupID, applier Applier, hlc *clock.HybridClock, tracker *clock.SafeTimeTracker) *Dispatcher {
	return &Dispatcher{groupID: groupID, applier: applier, clock: hlc, tracker: tracker, timeout: 5 * time.Second}
}

// submit stamps payload with a fresh safeTime under the linearization
// mutex and applies it, retrying up to MaxRetriesOnSafeTimeReordering
// times if the stamped safeTime turns out to already be behind the
// tracker (spec §4.9's "double-write avoidance" compare).
func (d *Dispatcher) submit(ctx context.Context, kind Kind, full bool, catalogVersion uint32, payload any) error {
	for attempt := 0; attempt < MaxRetriesOnSafeTimeReordering; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := func() ([]byte, error) {
			d.mu.Lock()
			defer d.mu.Unlock()

			safeTime := d.clock.Now()
			if !d.tracker.Current().Before(safeTime) {
				return nil, errSafeTimeReorder
			}
			enc, err := encode(kind, safeTime, catalogVersion, full, payload)
			if err != nil {
				return nil, err
			}
			if !full {
				d.tracker.Advance(safeTime)
			}
			return enc, nil
		}()
		if errors.Is(err, errSafeTimeReorder) {
			metrics.ReplicationRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return err
		}

		resp, err := d.applier.Apply(data, d.timeout)
		if err != nil {
			return &replerr.ReplicationException{GroupID: d.groupID, Cause: err}
		}
		if respErr, ok := resp.(error); ok && respErr != nil {
			return respErr
		}
		return nil
	}
	return &replerr.ReplicationMaxRetriesExceeded{GroupID: d.groupID, Retries: MaxRetriesOnSafeTimeReordering}
}

// SubmitUpdate submits a single-row write intent install.
func (d *Dispatcher) SubmitUpdate(ctx context.Context, full bool, catalogVersion uint32, p UpdatePayload) error {
	return d.submit(ctx, KindUpdate, full, catalogVersion, p)
}

// SubmitUpdateAll submits a multi-row write intent install.
func (d *Dispatcher) SubmitUpdateAll(ctx context.Context, full bool, catalogVersion uint32, p UpdateAllPayload) error {
	return d.submit(ctx, KindUpdateAll, full, catalogVersion, p)
}

// SubmitBuildIndex submits an index-rebuild command.
func (d *Dispatcher) SubmitBuildIndex(ctx context.Context, p BuildIndexPayload) error {
	return d.submit(ctx, KindBuildIndex, true, 0, p)
}

// SubmitSafeTimeSync submits an otherwise-empty safe-time advancement.
func (d *Dispatcher) SubmitSafeTimeSync(ctx context.Context) error {
	return d.submit(ctx, KindSafeTimeSync, true, 0, SafeTimeSyncPayload{})
}

// SubmitFinish, SubmitWriteIntentSwitch and SubmitMarkLocksReleased
// together satisfy txn.CommandSubmitter.

func (d *Dispatcher) SubmitFinish(ctx context.Context, _ types.GroupID, txID types.TransactionID, commit bool, commitTS types.HybridTimestamp, catalogVersion uint32, enlisted []types.GroupID) error {
	return d.submit(ctx, KindFinishTx, true, catalogVersion, FinishTxPayload{
		TxID: txID, Commit: commit, CommitTimestamp: commitTS, EnlistedPartitions: enlisted,
	})
}

func (d *Dispatcher) SubmitWriteIntentSwitch(ctx context.Context, _ types.GroupID, txID types.TransactionID, commit bool, commitTS types.HybridTimestamp) error {
	return d.submit(ctx, KindWriteIntentSwitch, false, 0, WriteIntentSwitchPayload{
		TxID: txID, Commit: commit, CommitTimestamp: commitTS,
	})
}

func (d *Dispatcher) SubmitMarkLocksReleased(ctx context.Context, _ types.GroupID, txID types.TransactionID) error {
	return d.submit(ctx, KindMarkLocksReleased, true, 0, MarkLocksReleasedPayload{TxID: txID})
}
