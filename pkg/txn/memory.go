package txn

import (
	"sync"

	"github.com/distrikv/partd/pkg/types"
)

// InMemoryDurableStore is a DurableStore reference implementation for
// tests and single-process deployments.
type InMemoryDurableStore struct {
	mu    sync.Mutex
	metas map[types.TransactionID]types.TxMeta
}

// NewInMemoryDurableStore builds an empty store.
func NewInMemoryDurableStore() *InMemoryDurableStore {
	return &InMemoryDurableStore{metas: make(map[types.TransactionID]types.TxMeta)}
}

func (s *InMemoryDurableStore) Load(txID types.TransactionID) (types.TxMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[txID]
	return m, ok, nil
}

func (s *InMemoryDurableStore) Save(meta types.TxMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[meta.TxID] = meta
	return nil
}

func (s *InMemoryDurableStore) MarkLocksReleased(txID types.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[txID]
	if !ok {
		return nil
	}
	m.LocksReleased = true
	s.metas[txID] = m
	return nil
}

func (s *InMemoryDurableStore) ScanUnreleased() ([]types.TxMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.TxMeta
	for _, m := range s.metas {
		if m.State.IsFinal() && !m.LocksReleased {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryDurableStore) Close() error { return nil }
