package txn

import (
	"context"

	"github.com/distrikv/partd/pkg/types"
)

// ClusterRoster answers whether a node is still a live member of the
// cluster — used to detect an orphaned write intent whose coordinator
// has disappeared (spec §4.7).
type ClusterRoster interface {
	IsAlive(nodeID string) bool
}

// CommandSubmitter submits the replicated commands the finish/switch/
// recovery protocols depend on, stamping and retrying under the
// safe-time dispatcher (spec §4.5 step 3, §4.6 step 4, §4.9). Backed by
// pkg/replication's RaftGroup in production.
type CommandSubmitter interface {
	SubmitFinish(ctx context.Context, groupID types.GroupID, txID types.TransactionID, commit bool, commitTS types.HybridTimestamp, catalogVersion uint32, enlistedPartitions []types.GroupID) error
	SubmitWriteIntentSwitch(ctx context.Context, groupID types.GroupID, txID types.TransactionID, commit bool, commitTS types.HybridTimestamp) error
	SubmitMarkLocksReleased(ctx context.Context, groupID types.GroupID, txID types.TransactionID) error
}
