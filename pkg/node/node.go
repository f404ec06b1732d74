// Package node is the top-level composition layer: it owns one
// PartitionReplicaListener plus its RAFT group per (tableId, partitionId)
// this process replicates, and turns each group's RAFT leadership
// transitions into the PrimaryElected/PrimaryExpired ClusterEvents spec
// §6 describes. It is the coordinator's analogue of a cluster manager
// process — the thing a CLI's "serve" command starts and stops.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/distrikv/partd/pkg/clock"
	"github.com/distrikv/partd/pkg/collab"
	"github.com/distrikv/partd/pkg/events"
	"github.com/distrikv/partd/pkg/lock"
	"github.com/distrikv/partd/pkg/log"
	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/mvcc"
	"github.com/distrikv/partd/pkg/reconciler"
	"github.com/distrikv/partd/pkg/replica"
	"github.com/distrikv/partd/pkg/replication"
	"github.com/distrikv/partd/pkg/schema"
	"github.com/distrikv/partd/pkg/storage"
	"github.com/distrikv/partd/pkg/txn"
	"github.com/distrikv/partd/pkg/types"
	"github.com/rs/zerolog"
)

// leaseHorizon is how far past "now" a self-issued lease's expiration is
// set. A real deployment would renew this from a cluster-wide meta lease
// authority; a single-node-per-group RAFT leader renews its own lease
// implicitly by staying RAFT leader, so a long fixed horizon is enough
// to exercise spec §4.1's token check without a separate renewal loop.
const leaseHorizon = int64(24 * 60 * 60 * 1000) // 24h, in the clock's millisecond units

// GroupConfig describes one replication group this Node will host.
type GroupConfig struct {
	GroupID      types.GroupID
	BindAddr     string
	DataDir      string
	KeyExtractor collab.KeyExtractor
	Persistent   bool // true: bbolt-backed row/tx storage; false: in-memory
}

type groupRuntime struct {
	raftGroup *replication.RaftGroup
	listener  *replica.Listener
	placement *collab.StaticPlacementDriver
	safeTime  *clock.SafeTimeTracker
	closers   []func() error
}

// Node owns every replication group this process hosts, a shared schema
// catalog (schema is a per-table, not per-partition, concept), and the
// event broker those groups' leadership transitions feed.
type Node struct {
	name    string
	roster  *staticRoster
	broker  *events.Broker
	catalog *schema.InMemoryCatalog
	hlc     *clock.HybridClock
	sweeper *reconciler.Sweeper
	log     zerolog.Logger

	mu     sync.RWMutex
	groups map[types.GroupID]*groupRuntime
}

// New builds a Node identified by name (its RAFT server ID and lease
// holder identity across every group it hosts).
func New(name string, sweepInterval int) *Node {
	n := &Node{
		name:    name,
		roster:  newStaticRoster(name),
		broker:  events.NewBroker(),
		catalog: schema.NewInMemoryCatalog(),
		hlc:     clock.New(),
		log:     log.WithComponent("node").With().Str("node", name).Logger(),
		groups:  make(map[types.GroupID]*groupRuntime),
	}
	n.sweeper = reconciler.NewSweeper(sweepInterval)
	return n
}

// Start begins the event broker, the periodic recovery sweep, and the
// background stats collector feeding the Raft/safe-time gauges.
func (n *Node) Start() {
	n.broker.Start()
	n.sweeper.Start()
	go n.collectStats()
}

// collectStats periodically republishes each group's RAFT applied index,
// safe-time lag, lease expiry, and open scan cursor count as Prometheus
// gauges, replacing the teacher's manager-polling Collector (which pulled
// node/service/container counts that no longer exist in this domain).
func (n *Node) collectStats() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		n.mu.RLock()
		for groupID, rt := range n.groups {
			label := groupID.String()
			if stats := rt.raftGroup.Stats(); stats != nil {
				if applied, ok := stats["applied_index"]; ok {
					if v, err := strconv.ParseFloat(applied, 64); err == nil {
						metrics.RaftAppliedIndex.WithLabelValues(label).Set(v)
					}
				}
			}
			lagMillis := n.hlc.Now().Physical - rt.safeTime.Current().Physical
			metrics.SafeTimeLagSeconds.WithLabelValues(label).Set(float64(lagMillis) / 1000)

			now := n.hlc.Now()
			if lease, ok := rt.placement.LeaseFor(context.Background(), groupID, now); ok {
				remainingMillis := lease.ExpirationTime.Physical - now.Physical
				metrics.LeaseExpirySeconds.WithLabelValues(label).Set(float64(remainingMillis) / 1000)
			}

			metrics.ScanCursorsOpen.WithLabelValues(label).Set(float64(rt.listener.OpenCursors()))
		}
		n.mu.RUnlock()
	}
}

// AddGroup registers tableID's schema (if not already known) and builds
// the group's RAFT group, listener, and collaborators, but does not
// start RAFT — call Bootstrap next. Node has no method for joining an
// already-running RAFT group.
func (n *Node) AddGroup(cfg GroupConfig) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.groups[cfg.GroupID]; exists {
		return fmt.Errorf("node: group %v already registered", cfg.GroupID)
	}

	now := n.hlc.Now()
	n.catalog.CreateTable(cfg.GroupID.TableID, now)
	validator := schema.NewValidator(n.catalog)

	tracker := clock.NewSafeTimeTracker()
	tracker.Advance(now)

	groupTag := fmt.Sprintf("%d-%d", cfg.GroupID.TableID, cfg.GroupID.PartitionID)
	groupDataDir := filepath.Join(cfg.DataDir, groupTag)
	if err := os.MkdirAll(groupDataDir, 0755); err != nil {
		return fmt.Errorf("create group data dir: %w", err)
	}

	var store mvcc.RowStore
	var durable txn.DurableStore
	var closers []func() error
	if cfg.Persistent {
		rowStore, err := storage.NewBoltRowStore(cfg.DataDir, groupTag)
		if err != nil {
			return fmt.Errorf("open row store: %w", err)
		}
		durableStore, err := txn.NewBoltDurableStore(cfg.DataDir, groupTag)
		if err != nil {
			rowStore.Close()
			return fmt.Errorf("open durable tx store: %w", err)
		}
		store, durable = rowStore, durableStore
		closers = append(closers, rowStore.Close, durableStore.Close)
	} else {
		store = mvcc.NewInMemoryStore()
		durable = txn.NewInMemoryDurableStore()
	}

	placement := collab.NewStaticPlacementDriver()
	codec := collab.NewFuncCodec()
	codec.Register(replica.PKIndexID, cfg.KeyExtractor)
	index := collab.NewInMemoryIndex()
	index.DefineIndex(replica.PKIndexID, types.IndexKindHash)
	// PK lookups are maintained incrementally from the first write, so the
	// PK index needs no BUILD_INDEX backfill before it's usable.
	index.MarkAvailable(replica.PKIndexID, nil)

	fsm := replication.NewFSM(cfg.GroupID, store, durable, tracker, index, nil)
	raftGroup, err := replication.NewRaftGroup(replication.GroupConfig{
		NodeID:   n.name,
		BindAddr: cfg.BindAddr,
		DataDir:  groupDataDir,
	}, fsm)
	if err != nil {
		return fmt.Errorf("build raft group: %w", err)
	}
	dispatcher := replication.NewDispatcher(cfg.GroupID, raftGroup, n.hlc, tracker)

	listener := replica.NewListener(replica.Config{
		GroupID:    cfg.GroupID,
		NodeName:   n.name,
		IndexKinds: map[uint32]types.IndexKind{replica.PKIndexID: types.IndexKindHash},
		Placement:  placement,
		Codec:      codec,
		Index:      index,
		Locks:      lock.NewTable(),
		Store:      store,
		Schema:     validator,
		Clock:      n.hlc,
		SafeTime:   tracker,
		Volatile:   txn.NewVolatileStates(),
		Durable:    durable,
		Roster:     n.roster,
		Dispatcher: dispatcher,
		Log:        n.log,
	})

	rt := &groupRuntime{raftGroup: raftGroup, listener: listener, placement: placement, safeTime: tracker, closers: closers}
	n.groups[cfg.GroupID] = rt
	n.sweeper.Register(cfg.GroupID, listener)
	go n.watchLeadership(cfg.GroupID, rt)
	return nil
}

// Bootstrap initializes group's RAFT cluster as a brand-new single
// member. Call once, on exactly one node, per group.
func (n *Node) Bootstrap(groupID types.GroupID) error {
	n.mu.RLock()
	rt, ok := n.groups[groupID]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node: unknown group %v", groupID)
	}
	return rt.raftGroup.Bootstrap()
}

// Listener returns the group's replica.Listener, the entry point every
// client request is handled through.
func (n *Node) Listener(groupID types.GroupID) (*replica.Listener, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rt, ok := n.groups[groupID]
	if !ok {
		return nil, false
	}
	return rt.listener, true
}

// Events returns the node's ClusterEvent broker, for diagnostic
// subscribers (an admin API or a CLI "status --watch" command).
func (n *Node) Events() *events.Broker { return n.broker }

// watchLeadership turns one group's RAFT leadership transitions into
// placement lease updates, ClusterEvent publications, and — on
// election — the orphan-recovery sweep (spec §4.1, §4.7).
func (n *Node) watchLeadership(groupID types.GroupID, rt *groupRuntime) {
	for gained := range rt.raftGroup.LeadershipChanges() {
		now := n.hlc.Now()
		if gained {
			lease := types.LeaseInfo{
				GroupID:        groupID,
				Leaseholder:    n.name,
				StartTime:      now,
				ExpirationTime: types.HybridTimestamp{Physical: now.Physical + leaseHorizon, Logical: now.Logical},
			}
			rt.placement.SetLease(lease)
			metrics.IsPrimary.WithLabelValues(groupID.String()).Set(1)
			metrics.RaftLeader.WithLabelValues(groupID.String()).Set(1)
			n.broker.Publish(&types.ClusterEvent{
				Kind: types.EventPrimaryElected, GroupID: groupID,
				Leaseholder: n.name, StartTime: lease.StartTime, ExpirationTime: lease.ExpirationTime,
			})
			rt.listener.OnPrimaryElected()
		} else {
			rt.placement.ClearLease(groupID)
			metrics.IsPrimary.WithLabelValues(groupID.String()).Set(0)
			metrics.RaftLeader.WithLabelValues(groupID.String()).Set(0)
			n.broker.Publish(&types.ClusterEvent{Kind: types.EventPrimaryExpired, GroupID: groupID})
		}
	}
}

// Shutdown drains every group's listener, stops the sweeper and event
// broker, and closes any persistent storage handles.
func (n *Node) Shutdown() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, rt := range n.groups {
		rt.listener.Shutdown()
		for _, close := range rt.closers {
			_ = close()
		}
	}
	n.sweeper.Stop()
	n.broker.Stop()
}

// staticRoster treats this node plus any names explicitly marked alive
// as live cluster members. A production deployment would back this with
// the RAFT group's own configuration/membership list; this reference
// implementation is enough to exercise spec §4.7's orphan-detection path
// without a separate cluster membership service.
type staticRoster struct {
	mu    sync.RWMutex
	alive map[string]bool
}

func newStaticRoster(self string) *staticRoster {
	return &staticRoster{alive: map[string]bool{self: true}}
}

func (r *staticRoster) IsAlive(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alive[nodeID]
}

// MarkAlive/MarkDead record a peer's membership state. Nothing in this
// package calls them, so by default only this node is reported alive.
func (r *staticRoster) MarkAlive(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[nodeID] = true
}

func (r *staticRoster) MarkDead(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, nodeID)
}
