// Package replerr defines the sentinel error kinds the coordinator uses
// to classify failures across the read/write/finish paths (spec §7).
// Callers type-assert with errors.As; every kind carries the context a
// client needs to decide whether to retry.
package replerr

import (
	"fmt"

	"github.com/distrikv/partd/pkg/types"
)

// PrimaryReplicaMiss is returned when the enlistment consistency token on
// a request does not match the current lease, or the lease has expired.
type PrimaryReplicaMiss struct {
	LocalName     string
	Leaseholder   string
	ExpectedToken types.HybridTimestamp
	ActualToken   types.HybridTimestamp
}

func (e *PrimaryReplicaMiss) Error() string {
	return fmt.Sprintf("primary replica miss: local=%s leaseholder=%s expected=%v actual=%v",
		e.LocalName, e.Leaseholder, e.ExpectedToken, e.ActualToken)
}

// TableNotFound is returned when table-existence validation fails at the
// operation timestamp.
type TableNotFound struct {
	TableID uint32
}

func (e *TableNotFound) Error() string { return fmt.Sprintf("table %d not found", e.TableID) }

// IncompatibleSchema is returned when a request's declared schema version
// does not match the table schema at the relevant timestamp.
type IncompatibleSchema struct {
	TableID  uint32
	Expected uint32
	Got      uint32
}

func (e *IncompatibleSchema) Error() string {
	return fmt.Sprintf("table %d: incompatible schema (have %d, want %d)", e.TableID, e.Got, e.Expected)
}

// IncompatibleSchemaAbort is thrown after a transaction has been
// finalized as aborted because forward schema validation failed at
// commit.
type IncompatibleSchemaAbort struct {
	TableID uint32
}

func (e *IncompatibleSchemaAbort) Error() string {
	return fmt.Sprintf("table %d: schema changed incompatibly, transaction aborted", e.TableID)
}

// TransactionAlreadyFinished is returned on a finish retry whose outcome
// disagrees with the stored one. Result carries the durable outcome.
type TransactionAlreadyFinished struct {
	TxID   types.TransactionID
	Result types.TxMeta
}

func (e *TransactionAlreadyFinished) Error() string {
	return fmt.Sprintf("transaction already finished with state %s", e.Result.State)
}

// ReplicationTimeout is returned when a RAFT command does not complete
// within its SLA. Retryable by the caller.
type ReplicationTimeout struct {
	GroupID types.GroupID
}

func (e *ReplicationTimeout) Error() string {
	return fmt.Sprintf("replication timeout for group %s", e.GroupID)
}

// ReplicationMaxRetriesExceeded is returned when the safe-time reorder
// retry budget is exhausted.
type ReplicationMaxRetriesExceeded struct {
	GroupID types.GroupID
	Retries int
}

func (e *ReplicationMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("group %s: exceeded %d safe-time reorder retries", e.GroupID, e.Retries)
}

// UnsupportedReplicaRequest marks a request kind with no registered
// handler — a programming error, not a client-facing retryable failure.
type UnsupportedReplicaRequest struct {
	Kind types.RequestKind
}

func (e *UnsupportedReplicaRequest) Error() string {
	return fmt.Sprintf("unsupported replica request kind %d", e.Kind)
}

// NodeStopping is returned when the shutdown busy-lock rejects a new
// entry.
type NodeStopping struct {
	GroupID types.GroupID
}

func (e *NodeStopping) Error() string {
	return fmt.Sprintf("group %s is stopping", e.GroupID)
}

// ReplicationException wraps any other RAFT or storage failure with the
// owning group id.
type ReplicationException struct {
	GroupID types.GroupID
	Cause   error
}

func (e *ReplicationException) Error() string {
	return fmt.Sprintf("group %s: replication error: %v", e.GroupID, e.Cause)
}

func (e *ReplicationException) Unwrap() error { return e.Cause }
