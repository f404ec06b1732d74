// Package replica implements the PartitionReplicaListener coordinator: the
// primary-lease gatekeeper, the schema/time validation chain, and the
// dispatch table that routes every request kind to its read, write, or
// transaction-management handler (spec §2, §4.1–§4.9).
package replica

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/distrikv/partd/pkg/clock"
	"github.com/distrikv/partd/pkg/collab"
	"github.com/distrikv/partd/pkg/lock"
	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/replerr"
	"github.com/distrikv/partd/pkg/replication"
	"github.com/distrikv/partd/pkg/schema"
	"github.com/distrikv/partd/pkg/txn"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// PKIndexID is the reserved index id the listener uses for primary-key
// lookups, both in the tuple codec and in the index source.
const PKIndexID uint32 = 0

// Config wires a Listener to its collaborators. NewListener applies no
// defaults: every collaborator must be supplied by the caller.
type Config struct {
	GroupID          types.GroupID
	NodeName         string
	SecondaryIndexes []uint32 // index ids beyond PKIndexID, by IndexKind below
	IndexKinds       map[uint32]types.IndexKind

	Placement collab.PlacementDriver
	Codec     collab.TupleCodec
	Index     *collab.InMemoryIndex
	Locks     lock.Manager
	Store     mvcc.RowStore
	Schema    *schema.Validator
	Clock     *clock.HybridClock
	SafeTime  *clock.SafeTimeTracker

	Volatile   *txn.VolatileStates
	Durable    txn.DurableStore
	Roster     txn.ClusterRoster
	Dispatcher *replication.Dispatcher

	Log zerolog.Logger
}

// Listener is one coordinator instance for a single (tableId, partitionId)
// replication group (spec §2). It owns no storage of its own; every
// durable or replicated effect flows through its injected collaborators.
type Listener struct {
	groupID  types.GroupID
	nodeName string

	secondaryIndexes []uint32
	indexKinds       map[uint32]types.IndexKind

	placement collab.PlacementDriver
	codec     collab.TupleCodec
	index     *collab.InMemoryIndex
	locks     lock.Manager
	locker    *mvcc.Locker
	store     mvcc.RowStore
	resolver  *mvcc.ReadResolver
	cursors   *mvcc.Registry
	schema    *schema.Validator
	clock     *clock.HybridClock
	safeTime  *clock.SafeTimeTracker

	volatile *txn.VolatileStates
	durable  txn.DurableStore
	finisher *txn.Finisher
	switcher *txn.Switcher
	recovery *txn.Recovery
	dispatch *replication.Dispatcher

	log zerolog.Logger

	stopping atomic.Bool
	inflight sync.WaitGroup
}

// NewListener wires a Listener from cfg, constructing the internal
// mvcc/txn collaborators (resolver, cursor registry, locker, switcher,
// finisher, recovery) that depend on the directly-injected ones.
func NewListener(cfg Config) *Listener {
	cursors := mvcc.NewRegistry()
	locker := mvcc.NewLocker(cfg.Locks, cfg.Index)

	l := &Listener{
		groupID:          cfg.GroupID,
		nodeName:         cfg.NodeName,
		secondaryIndexes: cfg.SecondaryIndexes,
		indexKinds:       cfg.IndexKinds,
		placement:        cfg.Placement,
		codec:            cfg.Codec,
		index:            cfg.Index,
		locks:            cfg.Locks,
		locker:           locker,
		store:            cfg.Store,
		cursors:          cursors,
		schema:           cfg.Schema,
		clock:            cfg.Clock,
		safeTime:         cfg.SafeTime,
		volatile:         cfg.Volatile,
		durable:          cfg.Durable,
		dispatch:         cfg.Dispatcher,
		log:              cfg.Log.With().Uint32("table_id", cfg.GroupID.TableID).Uint32("partition_id", cfg.GroupID.PartitionID).Logger(),
	}

	onRowSwitched := func(rowID types.RowID) { l.resolver.MarkSwitchComplete(rowID) }
	l.switcher = txn.NewSwitcher(cfg.GroupID, cursors, cfg.Volatile, cfg.Dispatcher, onRowSwitched, cfg.Log)

	cleanup := txn.NewCleanup(cfg.Dispatcher)
	l.finisher = txn.NewFinisher(cfg.Volatile, cfg.Durable, cfg.Schema, cfg.Dispatcher, cleanup, cfg.Log)
	l.recovery = txn.NewRecovery(cfg.GroupID, cfg.Durable, cleanup, l.finisher, cfg.Log)

	stateResolver := txn.NewStateResolver(cfg.Volatile, cfg.Durable, cfg.Roster, l.recovery, cfg.Log)
	l.resolver = mvcc.NewReadResolver(cfg.Store, stateResolver, l.switcher)

	return l
}

// Result is the outcome of a single Handle call. Only the fields relevant
// to the request kind are populated.
type Result struct {
	Rows      []types.ReadResult
	Applied   bool
	TxMeta    types.TxMeta
	Exists    bool
	ScanMore  bool
	CatalogV  uint32
}

// Handle is the single entry point every request flows through: the
// busy-lock shutdown guard, the primary-lease gatekeeper, the schema/time
// validation chain, then the per-kind handler (spec §2's data flow).
func (l *Listener) Handle(ctx context.Context, req types.Request) (*Result, error) {
	if l.stopping.Load() {
		return nil, &replerr.NodeStopping{GroupID: l.groupID}
	}
	l.inflight.Add(1)
	defer l.inflight.Done()

	timer := metrics.NewTimer()
	res, err := l.route(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	kind := req.Kind.String()
	metrics.RequestsTotal.WithLabelValues(kind, outcome).Inc()
	timer.ObserveDurationVec(metrics.RequestDuration, kind)
	return res, err
}

// route is Handle's actual request-kind dispatch table (spec §2's
// data flow), split out so Handle can wrap every kind uniformly with the
// request-count/duration metrics above.
func (l *Listener) route(ctx context.Context, req types.Request) (*Result, error) {
	isPrimary, err := l.gatekeep(ctx, req)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case types.ReqROGet, types.ReqROGetAll, types.ReqRODirectGet, types.ReqRODirectGetAll:
		return l.handleROGet(ctx, req, isPrimary)
	case types.ReqROScan:
		return l.handleROScan(ctx, req, isPrimary)
	case types.ReqScanClose:
		l.cursors.Close(types.CursorID{TxID: req.TxID, ScanID: req.ScanID})
		return &Result{}, nil
	case types.ReqRWGet, types.ReqRWGetAll:
		return l.handleRWGet(ctx, req)
	case types.ReqRWScan:
		return l.handleRWScan(ctx, req)
	case types.ReqRWInsert, types.ReqRWInsertAll, types.ReqRWUpsert, types.ReqRWUpsertAll,
		types.ReqRWDelete, types.ReqRWDeleteAll, types.ReqRWDeleteExact, types.ReqRWDeleteExactAll,
		types.ReqRWGetAndDelete, types.ReqRWGetAndUpsert, types.ReqRWGetAndReplace,
		types.ReqRWReplace, types.ReqRWReplaceIfExist:
		return l.handleWrite(ctx, req)
	case types.ReqTxFinish:
		return l.handleFinish(ctx, req)
	case types.ReqWriteIntentSwitch:
		return l.handleWriteIntentSwitch(ctx, req)
	case types.ReqTxRecovery:
		return &Result{}, l.recovery.HandleRecoveryMessage(ctx, req.TxID)
	case types.ReqTxStateCommitPartition:
		return l.handleTxState(ctx, req)
	case types.ReqBuildIndex:
		return l.handleBuildIndex(ctx, req)
	case types.ReqSafeTimeSync:
		return &Result{}, l.dispatch.SubmitSafeTimeSync(ctx)
	default:
		return nil, &replerr.UnsupportedReplicaRequest{Kind: req.Kind}
	}
}

// requestClass buckets a request kind into the three gatekeeper paths of
// spec §4.1.
type requestClass int

const (
	classPrimaryRequired requestClass = iota
	classPrimaryBoolOnly
	classBypass
)

func classify(kind types.RequestKind) requestClass {
	switch kind {
	case types.ReqROGet, types.ReqROGetAll, types.ReqROScan, types.ReqSafeTimeSync:
		return classPrimaryBoolOnly
	case types.ReqRODirectGet, types.ReqRODirectGetAll, types.ReqScanClose, types.ReqTxStateCommitPartition:
		return classBypass
	default:
		return classPrimaryRequired
	}
}

// gatekeep implements spec §4.1: for PrimaryReplicaRequest kinds the
// enlistment token must match the current lease exactly and the lease
// must not have expired; for ReadOnlyReplicaRequest/ReplicaSafeTimeSync
// only the boolean "is this replica primary" matters; everything else
// bypasses the check.
func (l *Listener) gatekeep(ctx context.Context, req types.Request) (bool, error) {
	now := l.clock.Now()
	lease, ok := l.placement.LeaseFor(ctx, l.groupID, now)
	isPrimary := ok && lease.Leaseholder == l.nodeName && !lease.Expired(now)

	switch classify(req.Kind) {
	case classPrimaryRequired:
		if !req.HasToken || !ok || lease.StartTime.Compare(req.EnlistmentConsistencyToken) != 0 || lease.Expired(now) {
			return false, &replerr.PrimaryReplicaMiss{
				LocalName:     l.nodeName,
				Leaseholder:   lease.Leaseholder,
				ExpectedToken: lease.StartTime,
				ActualToken:   req.EnlistmentConsistencyToken,
			}
		}
		return true, nil
	case classPrimaryBoolOnly:
		return isPrimary, nil
	default:
		return isPrimary, nil
	}
}

// validateAt runs the schema/time validation chain of spec §4.2 for a
// single table at ts, returning the table's schema.
func (l *Listener) validateAt(ctx context.Context, tableID uint32, ts types.HybridTimestamp, declaredVersion uint32, hasDeclared bool, readsRows bool) (schema.TableSchema, error) {
	s, err := l.schema.CheckAt(ctx, tableID, ts, declaredVersion, hasDeclared)
	if err != nil {
		return schema.TableSchema{}, mapSchemaErr(err)
	}
	if readsRows {
		if err := l.schema.AwaitReadMetadata(ctx, ts); err != nil {
			return schema.TableSchema{}, err
		}
	}
	return s, nil
}

func mapSchemaErr(err error) error {
	switch e := err.(type) {
	case *schema.ErrTableNotFound:
		return &replerr.TableNotFound{TableID: e.TableID}
	case *schema.ErrIncompatibleSchema:
		return &replerr.IncompatibleSchema{TableID: e.TableID, Expected: e.Expected, Got: e.Got}
	default:
		return err
	}
}

// OnPrimaryElected runs the best-effort orphan-transaction recovery
// sweep of spec §4.7. The composition layer calls this once per group
// after RAFT leadership is gained and the placement lease has been
// updated to reflect it.
func (l *Listener) OnPrimaryElected() {
	l.recovery.SweepOnPrimaryElected()
}

// OpenCursors reports the number of scan cursors currently registered,
// for the ScanCursorsOpen gauge.
func (l *Listener) OpenCursors() int {
	return l.cursors.Len()
}

// Shutdown flips the busy-lock guard so new requests fail fast with
// NodeStopping, then waits for every in-flight Handle call to drain
// before returning (spec §5's shutdown guard).
func (l *Listener) Shutdown() {
	l.stopping.Store(true)
	l.inflight.Wait()
}
