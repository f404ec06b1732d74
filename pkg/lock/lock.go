// Package lock implements the lock table client and index locker the
// coordinator uses to serialize concurrent transactions (spec §4.3, §4.4,
// §5). The LockManager interface is the external collaborator named in
// spec §1; Table is an in-memory reference implementation sufficient to
// exercise the coordinator end-to-end.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distrikv/partd/pkg/metrics"
	"github.com/distrikv/partd/pkg/types"
)

// compatible[granted][requested] reports whether a lock already held in
// mode granted permits a concurrent grant in mode requested. Standard 2PL:
// IS and IX are mutually compatible, S is compatible with IS, X is
// compatible with nothing but itself held by the same transaction.
var compatible = [4][4]bool{
	/*            IS     IX     S      X   */
	/* IS */ {true, true, true, false},
	/* IX */ {true, true, false, false},
	/* S  */ {true, false, true, false},
	/* X  */ {false, false, false, false},
}

// Manager grants and releases typed locks on (table), (table,row),
// (index) and (index,key) resources. Implementations must serialize
// conflicting grants and release a transaction's locks as a set.
type Manager interface {
	// Acquire blocks until the lock is granted or ctx is done. Re-entrant:
	// a transaction that already holds an equal-or-stronger lock on the
	// same key returns immediately.
	Acquire(ctx context.Context, txID types.TransactionID, key types.LockKey, mode types.LockMode) error
	// Release releases a single lock held by txID on key, if held. Used
	// for short-term index locks released at local apply (spec §5).
	Release(txID types.TransactionID, key types.LockKey)
	// ReleaseAll releases every lock held by txID — the long-term release
	// at transaction finish (spec §5).
	ReleaseAll(txID types.TransactionID)
}

// Table is an in-memory Manager. One Table instance is owned per
// replication group.
type Table struct {
	mu    sync.Mutex
	held  map[types.LockKey][]grant
	byTx  map[types.TransactionID]map[types.LockKey]struct{}
	waitQ map[types.LockKey][]chan struct{}
}

type grant struct {
	txID types.TransactionID
	mode types.LockMode
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		held:  make(map[types.LockKey][]grant),
		byTx:  make(map[types.TransactionID]map[types.LockKey]struct{}),
		waitQ: make(map[types.LockKey][]chan struct{}),
	}
}

func (t *Table) Acquire(ctx context.Context, txID types.TransactionID, key types.LockKey, mode types.LockMode) error {
	var waitStart time.Time
	waited := false
	for {
		t.mu.Lock()
		if t.tryGrantLocked(txID, key, mode) {
			t.mu.Unlock()
			if waited {
				metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())
			}
			return nil
		}
		if !waited {
			waited = true
			waitStart = time.Now()
			metrics.LockConflictsTotal.Inc()
		}
		wake := make(chan struct{})
		t.waitQ[key] = append(t.waitQ[key], wake)
		t.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			// No cycle-detection graph; a caller-cancelled wait is the
			// closest observable proxy this table has to a deadlock.
			metrics.DeadlocksTotal.Inc()
			return fmt.Errorf("lock %s on %v: %w", mode, key, ctx.Err())
		}
	}
}

// tryGrantLocked must be called with t.mu held. It grants the lock and
// returns true if compatible with everything currently held, upgrading an
// existing weaker grant by the same transaction in place.
func (t *Table) tryGrantLocked(txID types.TransactionID, key types.LockKey, mode types.LockMode) bool {
	existing := t.held[key]
	for i, g := range existing {
		if g.txID == txID {
			if g.mode >= mode {
				return true
			}
			for j, other := range existing {
				if j != i && !compatible[other.mode][mode] {
					return false
				}
			}
			existing[i].mode = mode
			return true
		}
	}
	for _, g := range existing {
		if !compatible[g.mode][mode] {
			return false
		}
	}
	t.held[key] = append(existing, grant{txID: txID, mode: mode})
	if t.byTx[txID] == nil {
		t.byTx[txID] = make(map[types.LockKey]struct{})
	}
	t.byTx[txID][key] = struct{}{}
	return true
}

func (t *Table) Release(txID types.TransactionID, key types.LockKey) {
	t.mu.Lock()
	t.releaseLocked(txID, key)
	t.mu.Unlock()
}

func (t *Table) releaseLocked(txID types.TransactionID, key types.LockKey) {
	grants := t.held[key]
	for i, g := range grants {
		if g.txID == txID {
			t.held[key] = append(grants[:i], grants[i+1:]...)
			break
		}
	}
	if len(t.held[key]) == 0 {
		delete(t.held, key)
	}
	if keys := t.byTx[txID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(t.byTx, txID)
		}
	}
	t.wakeLocked(key)
}

func (t *Table) ReleaseAll(txID types.TransactionID) {
	t.mu.Lock()
	keys := t.byTx[txID]
	for key := range keys {
		t.releaseLocked(txID, key)
	}
	delete(t.byTx, txID)
	t.mu.Unlock()
}

func (t *Table) wakeLocked(key types.LockKey) {
	waiters := t.waitQ[key]
	if len(waiters) == 0 {
		return
	}
	delete(t.waitQ, key)
	for _, w := range waiters {
		close(w)
	}
}

// HeldByTx reports the number of distinct keys a transaction currently
// holds locks on — used by tests and metrics, never by the write path.
func (t *Table) HeldByTx(txID types.TransactionID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTx[txID])
}
