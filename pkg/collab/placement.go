// Package collab provides the reference implementations of the external
// collaborators spec §1 places out of scope: the placement driver (primary
// lease), the tuple/index codec, and an in-memory secondary-index source.
// Production deployments swap these for the real catalog/placement/storage
// services; these exist only so pkg/replica is exercisable end to end.
package collab

import (
	"context"
	"sync"

	"github.com/distrikv/partd/pkg/types"
)

// PlacementDriver answers "who holds the primary lease for this group right
// now" (spec §4.1). Real deployments back this with the cluster's placement
// driver; StaticPlacementDriver is a reference implementation whose lease
// table is set directly by the test or by a PrimaryElected/PrimaryExpired
// event handler.
type PlacementDriver interface {
	// LeaseFor returns the current lease for groupID as observed at now, or
	// ok=false if no lease is currently known.
	LeaseFor(ctx context.Context, groupID types.GroupID, now types.HybridTimestamp) (lease types.LeaseInfo, ok bool)
}

// StaticPlacementDriver holds one lease per group, updated externally
// (typically by the coordinator's own PrimaryElected/PrimaryExpired
// handling).
type StaticPlacementDriver struct {
	mu     sync.RWMutex
	leases map[types.GroupID]types.LeaseInfo
}

// NewStaticPlacementDriver builds a driver with no leases known.
func NewStaticPlacementDriver() *StaticPlacementDriver {
	return &StaticPlacementDriver{leases: make(map[types.GroupID]types.LeaseInfo)}
}

// SetLease installs or replaces the lease for a group.
func (d *StaticPlacementDriver) SetLease(lease types.LeaseInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leases[lease.GroupID] = lease
}

// ClearLease removes the known lease for a group, e.g. on PrimaryExpired
// with no successor yet elected.
func (d *StaticPlacementDriver) ClearLease(groupID types.GroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leases, groupID)
}

// LeaseFor satisfies PlacementDriver.
func (d *StaticPlacementDriver) LeaseFor(_ context.Context, groupID types.GroupID, _ types.HybridTimestamp) (types.LeaseInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lease, ok := d.leases[groupID]
	return lease, ok
}

// ApplyEvent updates the lease table from a ClusterEvent (spec §6): elected
// installs the new lease, expired clears it.
func (d *StaticPlacementDriver) ApplyEvent(ev types.ClusterEvent) {
	switch ev.Kind {
	case types.EventPrimaryElected:
		d.SetLease(types.LeaseInfo{
			GroupID:        ev.GroupID,
			Leaseholder:    ev.Leaseholder,
			StartTime:      ev.StartTime,
			ExpirationTime: ev.ExpirationTime,
		})
	case types.EventPrimaryExpired:
		d.ClearLease(ev.GroupID)
	}
}
