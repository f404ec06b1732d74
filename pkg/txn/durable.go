package txn

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/distrikv/partd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketTxMeta = []byte("tx_meta")

// DurableStore is the commit-partition-local record of finalized
// transactions (spec §3's Tx Meta (durable)). Only final states are ever
// persisted here.
type DurableStore interface {
	Load(txID types.TransactionID) (types.TxMeta, bool, error)
	Save(meta types.TxMeta) error
	MarkLocksReleased(txID types.TransactionID) error
	// ScanUnreleased returns every finalized record with locksReleased
	// still false, for the primary-elected recovery sweep (spec §4.7).
	ScanUnreleased() ([]types.TxMeta, error)
	Close() error
}

// BoltDurableStore persists Tx Meta in a single bbolt bucket, keyed by
// the transaction id's raw bytes.
type BoltDurableStore struct {
	db *bolt.DB
}

// NewBoltDurableStore opens (creating if absent) a bbolt database under
// dataDir for one replication group's durable Tx Meta.
func NewBoltDurableStore(dataDir, groupID string) (*BoltDurableStore, error) {
	path := filepath.Join(dataDir, fmt.Sprintf("txmeta-%s.db", groupID))
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open tx meta store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTxMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tx meta bucket: %w", err)
	}
	return &BoltDurableStore{db: db}, nil
}

func (s *BoltDurableStore) Close() error { return s.db.Close() }

func (s *BoltDurableStore) Load(txID types.TransactionID) (types.TxMeta, bool, error) {
	var meta types.TxMeta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTxMeta).Get(txID[:])
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	return meta, found, err
}

func (s *BoltDurableStore) Save(meta types.TxMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTxMeta).Put(meta.TxID[:], data)
	})
}

func (s *BoltDurableStore) MarkLocksReleased(txID types.TransactionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxMeta)
		data := b.Get(txID[:])
		if data == nil {
			return fmt.Errorf("mark locks released: no tx meta for %x", txID)
		}
		var meta types.TxMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		meta.LocksReleased = true
		out, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put(txID[:], out)
	})
}

func (s *BoltDurableStore) ScanUnreleased() ([]types.TxMeta, error) {
	var metas []types.TxMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTxMeta).ForEach(func(_, v []byte) error {
			var meta types.TxMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			if meta.State.IsFinal() && !meta.LocksReleased {
				metas = append(metas, meta)
			}
			return nil
		})
	})
	return metas, err
}
