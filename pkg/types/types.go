package types

import "time"

// GroupID identifies a replication group: one coordinator instance per
// (tableId, partitionId) pair, immutable for the coordinator's lifetime.
type GroupID struct {
	TableID     uint32
	PartitionID uint32
}

func (g GroupID) String() string {
	return groupIDString(g)
}

// RowID identifies a physical row slot in MVCC storage within a partition.
type RowID struct {
	PartitionID uint32
	UUID        [16]byte
}

// BinaryRow is an opaque row value plus the schema version it was written
// against. The coordinator never interprets the bytes directly; PK and
// index-key projections are obtained through a TupleCodec.
type BinaryRow struct {
	Bytes         []byte
	SchemaVersion uint32
}

// BinaryTuple is an encoded key or key-prefix used for index lookups and
// scan bounds.
type BinaryTuple []byte

// TransactionID is a 128-bit identifier whose high 64 bits encode the
// transaction's begin timestamp.
type TransactionID [16]byte

// BeginTimestamp extracts the begin timestamp encoded in the high bits.
func (id TransactionID) BeginTimestamp() HybridTimestamp {
	return decodeHighTimestamp(id)
}

// TxState is the state a transaction can be observed in.
type TxState int

const (
	TxStatePending TxState = iota
	TxStateFinishing
	TxStateCommitted
	TxStateAborted
	TxStateAbandoned
)

func (s TxState) String() string {
	switch s {
	case TxStatePending:
		return "PENDING"
	case TxStateFinishing:
		return "FINISHING"
	case TxStateCommitted:
		return "COMMITTED"
	case TxStateAborted:
		return "ABORTED"
	case TxStateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal reports whether the state is a terminal, durable outcome.
func (s TxState) IsFinal() bool {
	return s == TxStateCommitted || s == TxStateAborted
}

// TxStateMeta is the volatile, process-wide view of a transaction's state,
// kept in txn.VolatileStates' in-memory map.
type TxStateMeta struct {
	State             TxState
	CoordinatorNodeID string
	CommitPartitionID uint32
	CommitTimestamp   HybridTimestamp
}

// TxMeta is the durable record persisted only on the commit partition,
// restricted to final states.
type TxMeta struct {
	TxID               TransactionID
	State              TxState
	CommitTimestamp    HybridTimestamp
	EnlistedPartitions []GroupID
	LocksReleased      bool
}

// HybridTimestamp is a 64-bit hybrid-logical timestamp: a physical
// millisecond component and a logical tie-breaking counter.
type HybridTimestamp struct {
	Physical int64
	Logical  uint32
}

// Compare returns -1, 0 or 1 following the total order on (Physical, Logical).
func (t HybridTimestamp) Compare(o HybridTimestamp) int {
	if t.Physical != o.Physical {
		if t.Physical < o.Physical {
			return -1
		}
		return 1
	}
	switch {
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	default:
		return 0
	}
}

// Before reports whether t happens strictly before o.
func (t HybridTimestamp) Before(o HybridTimestamp) bool { return t.Compare(o) < 0 }

// LessOrEqual reports whether t happens at or before o.
func (t HybridTimestamp) LessOrEqual(o HybridTimestamp) bool { return t.Compare(o) <= 0 }

// IsZero reports whether this is the zero timestamp.
func (t HybridTimestamp) IsZero() bool { return t.Physical == 0 && t.Logical == 0 }

// ReadResult is what the row storage engine returns for a single MVCC
// lookup: either a committed row or a write intent (or nothing).
type ReadResult struct {
	Row                   *BinaryRow
	RowID                 RowID
	IsWriteIntent         bool
	TransactionID         TransactionID
	CommitTimestamp       HybridTimestamp
	NewestCommitTimestamp HybridTimestamp
	CommitTableID         uint32
	CommitPartitionID     uint32
}

// HasRow reports whether this result carries a row (committed or intent).
func (r *ReadResult) HasRow() bool { return r != nil && r.Row != nil }

// LockMode is one of the four 2PL lock modes the lock manager supports.
type LockMode int

const (
	LockModeIS LockMode = iota
	LockModeIX
	LockModeS
	LockModeX
)

func (m LockMode) String() string {
	switch m {
	case LockModeIS:
		return "IS"
	case LockModeIX:
		return "IX"
	case LockModeS:
		return "S"
	case LockModeX:
		return "X"
	default:
		return "?"
	}
}

// LockKeyKind discriminates the kind of resource a LockKey names.
type LockKeyKind int

const (
	LockKeyTable LockKeyKind = iota
	LockKeyRow
	LockKeyIndex
	LockKeyIndexKey
)

// LockKey is the resource a lock is held on: a table, a specific row, an
// index as a whole, or a specific key within an index. Key is the encoded
// index-key bytes stored as a string so LockKey stays comparable and can
// be used directly as a map key in the lock table.
type LockKey struct {
	Kind    LockKeyKind
	TableID uint32
	IndexID uint32
	RowID   RowID
	Key     string
}

// Lock is a single grant (or pending request) in the lock table.
type Lock struct {
	TxID TransactionID
	Key  LockKey
	Mode LockMode
}

// IndexKind distinguishes hash indexes (point lookup only) from sorted
// indexes (range scans).
type IndexKind int

const (
	IndexKindHash IndexKind = iota
	IndexKindSorted
)

// ScanFlags controls bound inclusivity for sorted-index range scans.
type ScanFlags uint32

const (
	// ScanLessOrEqual includes rows equal to the upper bound.
	ScanLessOrEqual ScanFlags = 1 << iota
	// ScanGreaterOrEqual includes rows equal to the lower bound.
	ScanGreaterOrEqual
)

func (f ScanFlags) Has(bit ScanFlags) bool { return f&bit != 0 }

// CursorID identifies a scan cursor registered under a transaction.
type CursorID struct {
	TxID   TransactionID
	ScanID int64
}

// RequestKind is the dispatch discriminator for every request the
// coordinator accepts (spec §6).
type RequestKind int

const (
	ReqRWGet RequestKind = iota
	ReqRWGetAll
	ReqRWScan
	ReqRWInsert
	ReqRWInsertAll
	ReqRWUpsert
	ReqRWUpsertAll
	ReqRWDelete
	ReqRWDeleteAll
	ReqRWDeleteExact
	ReqRWDeleteExactAll
	ReqRWGetAndDelete
	ReqRWGetAndUpsert
	ReqRWGetAndReplace
	ReqRWReplace
	ReqRWReplaceIfExist
	ReqROGet
	ReqROGetAll
	ReqROScan
	ReqScanClose
	ReqTxFinish
	ReqWriteIntentSwitch
	ReqTxRecovery
	ReqTxStateCommitPartition
	ReqBuildIndex
	ReqSafeTimeSync
	ReqRODirectGet
	ReqRODirectGetAll
)

var requestKindNames = map[RequestKind]string{
	ReqRWGet:                  "RW_GET",
	ReqRWGetAll:               "RW_GET_ALL",
	ReqRWScan:                 "RW_SCAN",
	ReqRWInsert:               "RW_INSERT",
	ReqRWInsertAll:            "RW_INSERT_ALL",
	ReqRWUpsert:               "RW_UPSERT",
	ReqRWUpsertAll:            "RW_UPSERT_ALL",
	ReqRWDelete:               "RW_DELETE",
	ReqRWDeleteAll:            "RW_DELETE_ALL",
	ReqRWDeleteExact:          "RW_DELETE_EXACT",
	ReqRWDeleteExactAll:       "RW_DELETE_EXACT_ALL",
	ReqRWGetAndDelete:         "RW_GET_AND_DELETE",
	ReqRWGetAndUpsert:         "RW_GET_AND_UPSERT",
	ReqRWGetAndReplace:        "RW_GET_AND_REPLACE",
	ReqRWReplace:              "RW_REPLACE",
	ReqRWReplaceIfExist:       "RW_REPLACE_IF_EXIST",
	ReqROGet:                  "RO_GET",
	ReqROGetAll:               "RO_GET_ALL",
	ReqROScan:                 "RO_SCAN",
	ReqScanClose:              "SCAN_CLOSE",
	ReqTxFinish:               "TX_FINISH",
	ReqWriteIntentSwitch:      "WRITE_INTENT_SWITCH",
	ReqTxRecovery:             "TX_RECOVERY",
	ReqTxStateCommitPartition: "TX_STATE_COMMIT_PARTITION",
	ReqBuildIndex:             "BUILD_INDEX",
	ReqSafeTimeSync:           "SAFE_TIME_SYNC",
	ReqRODirectGet:            "RO_DIRECT_GET",
	ReqRODirectGetAll:         "RO_DIRECT_GET_ALL",
}

// String renders the request kind's wire name, used as a metrics label
// and in log fields.
func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Request is the common envelope every request kind carries fields from
// (spec §6's "Common fields" plus per-kind payload).
type Request struct {
	Kind                       RequestKind
	TxID                       TransactionID
	CommitPartitionID          uint32
	Full                       bool
	EnlistmentConsistencyToken HybridTimestamp
	HasToken                   bool
	SchemaVersion              uint32
	HasSchemaVersion           bool

	// RO-only
	ReadTimestamp HybridTimestamp

	// scans
	ScanID          int64
	BatchSize       int
	IndexToUse      uint32
	HasIndex        bool
	ExactKey        BinaryTuple
	LowerBoundPrefix BinaryTuple
	UpperBoundPrefix BinaryTuple
	Flags           ScanFlags

	// point get/write payload
	TableID uint32
	Rows    []BinaryRow
	OldRows []BinaryRow // expected-value for DELETE_EXACT / REPLACE_IF_EXIST

	// finish
	Commit             bool
	CommitTimestamp    HybridTimestamp
	EnlistedGroups     []GroupID
}

// LeaseInfo describes the placement driver's view of a group's primary
// replica lease.
type LeaseInfo struct {
	GroupID        GroupID
	Leaseholder    string
	StartTime      HybridTimestamp
	ExpirationTime HybridTimestamp
}

// Expired reports whether the lease has expired as of now.
func (l LeaseInfo) Expired(now HybridTimestamp) bool {
	return l.ExpirationTime.Before(now)
}

// ClusterEventKind distinguishes the two placement-driver events the
// coordinator consumes.
type ClusterEventKind string

const (
	EventPrimaryElected ClusterEventKind = "primary.elected"
	EventPrimaryExpired ClusterEventKind = "primary.expired"
)

// ClusterEvent is a PrimaryElected/PrimaryExpired notification (spec §6).
type ClusterEvent struct {
	Kind           ClusterEventKind
	GroupID        GroupID
	Leaseholder    string
	StartTime      HybridTimestamp
	ExpirationTime HybridTimestamp
	Timestamp      time.Time
}
