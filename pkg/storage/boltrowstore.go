package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/distrikv/partd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketVersions = []byte("row_versions")
	bucketIntents  = []byte("row_intents")
)

// BoltRowStore is a bbolt-backed mvcc.RowStore: one bucket holds each
// row's ascending committed version chain, a second holds its pending
// write intent, if any. bbolt serializes all writers against a single
// file lock, so every mutation here is a single db.Update call rather
// than an extra in-process mutex.
type BoltRowStore struct {
	db *bolt.DB
}

// NewBoltRowStore opens (creating if absent) a bbolt database under
// dataDir for one replication group's row versions.
func NewBoltRowStore(dataDir, groupID string) (*BoltRowStore, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("rows-%s.db", groupID))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketVersions); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIntents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltRowStore{db: db}, nil
}

func (s *BoltRowStore) Close() error {
	return s.db.Close()
}

func rowKey(id types.RowID) []byte {
	key := make([]byte, 4+len(id.UUID))
	binary.BigEndian.PutUint32(key[:4], id.PartitionID)
	copy(key[4:], id.UUID[:])
	return key
}

type storedVersion struct {
	Row      *types.BinaryRow
	Physical int64
	Logical  uint32
}

func (v storedVersion) ts() types.HybridTimestamp {
	return types.HybridTimestamp{Physical: v.Physical, Logical: v.Logical}
}

type storedIntent struct {
	TxID string // hex-encoded types.TransactionID
	Row  *types.BinaryRow
}

func encodeTxID(id types.TransactionID) string { return hex.EncodeToString(id[:]) }

func decodeTxID(s string) (types.TransactionID, error) {
	var id types.TransactionID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("storage: malformed transaction id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func loadVersions(tx *bolt.Tx, key []byte) ([]storedVersion, error) {
	raw := tx.Bucket(bucketVersions).Get(key)
	if raw == nil {
		return nil, nil
	}
	var versions []storedVersion
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, fmt.Errorf("storage: decode versions for %x: %w", key, err)
	}
	return versions, nil
}

func loadIntent(tx *bolt.Tx, key []byte) (*storedIntent, error) {
	raw := tx.Bucket(bucketIntents).Get(key)
	if raw == nil {
		return nil, nil
	}
	var in storedIntent
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("storage: decode intent for %x: %w", key, err)
	}
	return &in, nil
}

func newestAtOrBefore(versions []storedVersion, ts types.HybridTimestamp) *storedVersion {
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].ts().LessOrEqual(ts) {
			return &versions[i]
		}
	}
	return nil
}

func (s *BoltRowStore) ReadAt(rowID types.RowID, ts types.HybridTimestamp) (*types.ReadResult, error) {
	key := rowKey(rowID)
	var result *types.ReadResult
	err := s.db.View(func(tx *bolt.Tx) error {
		intent, err := loadIntent(tx, key)
		if err != nil {
			return err
		}
		versions, err := loadVersions(tx, key)
		if err != nil {
			return err
		}
		if intent != nil {
			txID, err := decodeTxID(intent.TxID)
			if err != nil {
				return err
			}
			rr := &types.ReadResult{Row: intent.Row, RowID: rowID, IsWriteIntent: true, TransactionID: txID}
			if newest := newestAtOrBefore(versions, ts); newest != nil {
				rr.NewestCommitTimestamp = newest.ts()
			}
			result = rr
			return nil
		}
		if newest := newestAtOrBefore(versions, ts); newest != nil {
			result = &types.ReadResult{Row: newest.Row, RowID: rowID, CommitTimestamp: newest.ts()}
		}
		return nil
	})
	return result, err
}

func (s *BoltRowStore) ReadCommittedAt(rowID types.RowID, ts types.HybridTimestamp) (*types.ReadResult, error) {
	key := rowKey(rowID)
	var result *types.ReadResult
	err := s.db.View(func(tx *bolt.Tx) error {
		versions, err := loadVersions(tx, key)
		if err != nil {
			return err
		}
		if newest := newestAtOrBefore(versions, ts); newest != nil {
			result = &types.ReadResult{Row: newest.Row, RowID: rowID, CommitTimestamp: newest.ts()}
		}
		return nil
	})
	return result, err
}

func (s *BoltRowStore) PutIntent(txID types.TransactionID, rowID types.RowID, row *types.BinaryRow) error {
	key := rowKey(rowID)
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := loadIntent(tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			holder, err := decodeTxID(existing.TxID)
			if err != nil {
				return err
			}
			if holder != txID {
				return fmt.Errorf("row %v already has a write intent from another transaction", rowID)
			}
		}
		data, err := json.Marshal(storedIntent{TxID: encodeTxID(txID), Row: row})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIntents).Put(key, data)
	})
}

func (s *BoltRowStore) CommitIntent(txID types.TransactionID, rowID types.RowID, ts types.HybridTimestamp) error {
	key := rowKey(rowID)
	return s.db.Update(func(tx *bolt.Tx) error {
		intents := tx.Bucket(bucketIntents)
		existing, err := loadIntent(tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		holder, err := decodeTxID(existing.TxID)
		if err != nil {
			return err
		}
		if holder != txID {
			return nil
		}
		if existing.Row != nil {
			versions, err := loadVersions(tx, key)
			if err != nil {
				return err
			}
			// Row locking guarantees commits on one row serialize, so the new
			// version's timestamp is always >= the last one in the chain.
			versions = append(versions, storedVersion{Row: existing.Row, Physical: ts.Physical, Logical: ts.Logical})
			data, err := json.Marshal(versions)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketVersions).Put(key, data); err != nil {
				return err
			}
		}
		return intents.Delete(key)
	})
}

func (s *BoltRowStore) AbortIntent(txID types.TransactionID, rowID types.RowID) error {
	key := rowKey(rowID)
	return s.db.Update(func(tx *bolt.Tx) error {
		intents := tx.Bucket(bucketIntents)
		existing, err := loadIntent(tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		holder, err := decodeTxID(existing.TxID)
		if err != nil {
			return err
		}
		if holder != txID {
			return nil
		}
		return intents.Delete(key)
	})
}

// ScanAfter returns the next page of row ids in ascending rowKey order,
// merged across both the committed-version bucket and the pending-intent
// bucket. A row that only ever got as far as PutIntent (never committed)
// must still surface here, the same way mvcc.InMemoryStore.ScanAfter sees
// it via s.rows — otherwise a full-partition scan can't read back a row
// its own transaction just inserted.
func (s *BoltRowStore) ScanAfter(after *types.RowID, limit int) ([]types.RowID, bool) {
	var ids []types.RowID
	var more bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		vc := tx.Bucket(bucketVersions).Cursor()
		ic := tx.Bucket(bucketIntents).Cursor()

		seekPast := func(c *bolt.Cursor, afterKey []byte) []byte {
			if afterKey == nil {
				k, _ := c.First()
				return k
			}
			k, _ := c.Seek(afterKey)
			if k != nil && string(k) == string(afterKey) {
				k, _ = c.Next()
			}
			return k
		}

		var afterKey []byte
		if after != nil {
			afterKey = rowKey(*after)
		}
		vk := seekPast(vc, afterKey)
		ik := seekPast(ic, afterKey)

		count := 0
		for vk != nil || ik != nil {
			var k []byte
			switch {
			case vk == nil:
				k = ik
			case ik == nil:
				k = vk
			case string(vk) <= string(ik):
				k = vk
			default:
				k = ik
			}

			if count == limit {
				more = true
				break
			}
			var id types.RowID
			id.PartitionID = binary.BigEndian.Uint32(k[:4])
			copy(id.UUID[:], k[4:])
			ids = append(ids, id)
			count++

			if vk != nil && string(vk) == string(k) {
				vk, _ = vc.Next()
			}
			if ik != nil && string(ik) == string(k) {
				ik, _ = ic.Next()
			}
		}
		return nil
	})
	return ids, more
}
