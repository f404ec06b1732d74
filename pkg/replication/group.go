package replication

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Applier submits an already-encoded command to the replicated log and
// returns the FSM's Apply response (or an error if the command never
// committed). RaftGroup is the production implementation; tests use an
// in-memory fake.
type Applier interface {
	Apply(data []byte, timeout time.Duration) (interface{}, error)
}

// RaftGroup owns one (tableId, partitionId) replication group's RAFT
// instance: local bind address, on-disk log/stable/snapshot stores, and
// the group's FSM. One instance exists per coordinator.
type RaftGroup struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft     *raft.Raft
	fsm      *FSM
	leaderCh chan bool
}

// GroupConfig configures a RaftGroup.
type GroupConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewRaftGroup builds a RaftGroup bound to fsm, not yet started.
func NewRaftGroup(cfg GroupConfig, fsm *FSM) (*RaftGroup, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &RaftGroup{nodeID: cfg.NodeID, bindAddr: cfg.BindAddr, dataDir: cfg.DataDir, fsm: fsm, leaderCh: make(chan bool, 1)}, nil
}

func (g *RaftGroup) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(g.nodeID)
	// Tuned for LAN deployments rather than raft's WAN-conservative
	// defaults; a partition replica group expects sub-second failover.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.NotifyCh = g.leaderCh
	return config
}

// LeadershipChanges returns the channel RAFT signals on every time this
// group gains or loses leadership. true means gained, false means lost
// — the composition layer (pkg/node) turns each change into a
// self-issued placement-lease update and a PrimaryElected/PrimaryExpired
// ClusterEvent; no separate lease confirmation takes place.
func (g *RaftGroup) LeadershipChanges() <-chan bool {
	return g.leaderCh
}

// Stats returns the underlying raft.Stats() snapshot for metrics/status
// reporting, or nil if the group has not been bootstrapped yet.
func (g *RaftGroup) Stats() map[string]string {
	if g.raft == nil {
		return nil
	}
	return g.raft.Stats()
}

// Bootstrap initializes a brand-new single-member group.
func (g *RaftGroup) Bootstrap() error {
	config := g.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", g.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(g.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(g.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(g.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(g.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, g.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	g.raft = r

	future := g.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	return future.Error()
}

// Apply submits data to the group's RAFT log and returns the FSM's
// response once committed, satisfying Applier.
func (g *RaftGroup) Apply(data []byte, timeout time.Duration) (interface{}, error) {
	if g.raft == nil {
		return nil, fmt.Errorf("raft group %s not started", g.nodeID)
	}
	future := g.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply command: %w", err)
	}
	return future.Response(), nil
}

// IsLeader reports whether this replica currently holds RAFT leadership
// for the group (a necessary, not sufficient, condition for serving as
// primary — the placement driver's lease is authoritative, spec §4.1).
func (g *RaftGroup) IsLeader() bool {
	return g.raft != nil && g.raft.State() == raft.Leader
}
