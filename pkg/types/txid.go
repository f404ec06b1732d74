package types

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// NewTransactionID builds a 128-bit transaction id whose high 64 bits are
// the begin timestamp and whose low bits are random, so ids issued by
// concurrent coordinators never collide (spec §3).
func NewTransactionID(begin HybridTimestamp) TransactionID {
	var id TransactionID
	binary.BigEndian.PutUint64(id[0:8], encodeTimestamp(begin))

	u := uuid.New()
	copy(id[8:16], u[:8])
	return id
}

func encodeTimestamp(ts HybridTimestamp) uint64 {
	// Physical occupies the high 44 bits, logical the low 20 — ample for
	// millisecond physical time and a per-millisecond logical counter.
	return uint64(ts.Physical)<<20 | uint64(ts.Logical&0xFFFFF)
}

func decodeHighTimestamp(id TransactionID) HybridTimestamp {
	raw := binary.BigEndian.Uint64(id[0:8])
	return HybridTimestamp{
		Physical: int64(raw >> 20),
		Logical:  uint32(raw & 0xFFFFF),
	}
}

func groupIDString(g GroupID) string {
	return fmt.Sprintf("%d/%d", g.TableID, g.PartitionID)
}

// NewRowID generates a fresh row id for a freshly inserted row.
func NewRowID(partitionID uint32) RowID {
	u := uuid.New()
	var id RowID
	id.PartitionID = partitionID
	copy(id.UUID[:], u[:])
	return id
}

// String renders a row id for logging.
func (r RowID) String() string {
	u, _ := uuid.FromBytes(r.UUID[:])
	return fmt.Sprintf("%d:%s", r.PartitionID, u.String())
}

// String renders a transaction id as hex for logging.
func (id TransactionID) String() string {
	return fmt.Sprintf("%x", id[:])
}
