// Package replication implements the replicated command side of the
// coordinator: the per-group RAFT FSM, the typed commands it applies,
// and the safe-time dispatcher that stamps and retries submissions
// (spec §4.9, §5, §6).
package replication

import (
	"encoding/json"

	"github.com/distrikv/partd/pkg/types"
)

// Kind discriminates the replicated command types named in spec §6.
type Kind string

const (
	KindUpdate            Kind = "UPDATE"
	KindUpdateAll         Kind = "UPDATE_ALL"
	KindFinishTx          Kind = "FINISH_TX"
	KindWriteIntentSwitch Kind = "WRITE_INTENT_SWITCH"
	KindMarkLocksReleased Kind = "MARK_LOCKS_RELEASED"
	KindBuildIndex        Kind = "BUILD_INDEX"
	KindSafeTimeSync      Kind = "SAFE_TIME_SYNC"
)

// Envelope is the JSON-encoded payload written to the RAFT log. Every
// safe-time-carrying command (spec §5) is wrapped in one of these;
// Data holds the kind-specific fields.
type Envelope struct {
	Kind                   Kind            `json:"kind"`
	SafeTime               types.HybridTimestamp `json:"safeTime"`
	RequiredCatalogVersion uint32          `json:"requiredCatalogVersion"`
	Full                   bool            `json:"full"`
	Data                   json.RawMessage `json:"data"`
}

// RowUpdate is a single row's payload within an UpdateAll command,
// carrying the newest-prior-commit-time hint spec §6 calls out for
// read-amplification avoidance.
type RowUpdate struct {
	RowID                 types.RowID      `json:"rowId"`
	Row                   *types.BinaryRow `json:"row"`
	PriorCommitTimestamp  types.HybridTimestamp `json:"priorCommitTimestamp"`
}

// UpdatePayload backs KindUpdate: a single-row write intent install.
type UpdatePayload struct {
	TxID                 types.TransactionID   `json:"txId"`
	RowID                types.RowID           `json:"rowId"`
	Row                  *types.BinaryRow      `json:"row"`
	PriorCommitTimestamp types.HybridTimestamp `json:"priorCommitTimestamp"`
}

// UpdateAllPayload backs KindUpdateAll: a multi-row write intent install
// for one transaction.
type UpdateAllPayload struct {
	TxID types.TransactionID `json:"txId"`
	Rows []RowUpdate         `json:"rows"`
}

// FinishTxPayload backs KindFinishTx (spec §4.5 step 3).
type FinishTxPayload struct {
	TxID               types.TransactionID `json:"txId"`
	Commit             bool                `json:"commit"`
	CommitTimestamp    types.HybridTimestamp `json:"commitTimestamp"`
	EnlistedPartitions []types.GroupID     `json:"enlistedPartitions"`
}

// WriteIntentSwitchPayload backs KindWriteIntentSwitch (spec §4.6 step 4).
type WriteIntentSwitchPayload struct {
	TxID            types.TransactionID   `json:"txId"`
	Commit          bool                  `json:"commit"`
	CommitTimestamp types.HybridTimestamp `json:"commitTimestamp"`
}

// MarkLocksReleasedPayload backs KindMarkLocksReleased (spec §4.5 step 4).
type MarkLocksReleasedPayload struct {
	TxID types.TransactionID `json:"txId"`
}

// BuildIndexPayload backs KindBuildIndex, the supplemented bulk
// index-rebuild command.
type BuildIndexPayload struct {
	IndexID   uint32 `json:"indexId"`
	LastRowID *types.RowID `json:"lastRowId,omitempty"`
}

// SafeTimeSyncPayload backs KindSafeTimeSync: an otherwise-empty command
// whose only job is to advance the tracker (spec §4.9).
type SafeTimeSyncPayload struct{}

func encode(kind Kind, safeTime types.HybridTimestamp, catalogVersion uint32, full bool, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Kind:                   kind,
		SafeTime:               safeTime,
		RequiredCatalogVersion: catalogVersion,
		Full:                   full,
		Data:                   data,
	})
}
