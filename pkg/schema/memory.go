package schema

import (
	"context"
	"sort"
	"sync"

	"github.com/distrikv/partd/pkg/types"
)

// versionedSchema is one schema version's validity window: [Since, Until).
// Until is the zero timestamp while the version is still current.
type versionedSchema struct {
	version TableSchema
	since   types.HybridTimestamp
	until   types.HybridTimestamp
	hasUntil bool
}

// InMemoryCatalog is a reference CatalogService backed by an in-process
// version history per table. It never blocks: WaitForMetadataCompleteness
// returns immediately whatever the requested timestamp, failing only when
// ctx is already done.
type InMemoryCatalog struct {
	mu       sync.RWMutex
	tables   map[uint32][]versionedSchema
	observed types.HybridTimestamp
}

// NewInMemoryCatalog builds an empty catalog.
func NewInMemoryCatalog() *InMemoryCatalog {
	return &InMemoryCatalog{tables: make(map[uint32][]versionedSchema)}
}

// CreateTable registers tableID's first schema version, effective at ts.
func (c *InMemoryCatalog) CreateTable(tableID uint32, ts types.HybridTimestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[tableID] = []versionedSchema{{
		version: TableSchema{TableID: tableID, Version: 1},
		since:   ts,
	}}
	c.advanceLocked(ts)
}

// AlterTable closes out tableID's current schema version at ts and opens a
// new one with version bumped by one.
func (c *InMemoryCatalog) AlterTable(tableID uint32, ts types.HybridTimestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.tables[tableID]
	if len(history) == 0 {
		return
	}
	last := &history[len(history)-1]
	last.until = ts
	last.hasUntil = true
	history = append(history, versionedSchema{
		version: TableSchema{TableID: tableID, Version: last.version.Version + 1},
		since:   ts,
	})
	c.tables[tableID] = history
	c.advanceLocked(ts)
}

// DropTable marks tableID dropped as of ts.
func (c *InMemoryCatalog) DropTable(tableID uint32, ts types.HybridTimestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.tables[tableID]
	if len(history) == 0 {
		return
	}
	last := &history[len(history)-1]
	last.until = ts
	last.hasUntil = true
	history = append(history, versionedSchema{
		version: TableSchema{TableID: tableID, Version: last.version.Version, Dropped: true},
		since:   ts,
	})
	c.tables[tableID] = history
	c.advanceLocked(ts)
}

func (c *InMemoryCatalog) advanceLocked(ts types.HybridTimestamp) {
	if c.observed.Before(ts) {
		c.observed = ts
	}
}

func (c *InMemoryCatalog) TableAt(_ context.Context, tableID uint32, ts types.HybridTimestamp) (TableSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history := c.tables[tableID]
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].since.Compare(ts) > 0
	}) - 1
	if idx < 0 {
		return TableSchema{}, false
	}
	entry := history[idx]
	if entry.hasUntil && entry.until.LessOrEqual(ts) {
		return TableSchema{}, false
	}
	return entry.version, true
}

func (c *InMemoryCatalog) WaitForMetadataCompleteness(ctx context.Context, ts types.HybridTimestamp) error {
	c.mu.RLock()
	caughtUp := !c.observed.Before(ts)
	c.mu.RUnlock()
	if caughtUp {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *InMemoryCatalog) ReliableVersionAt(_ context.Context, ts types.HybridTimestamp) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var max uint32
	for _, history := range c.tables {
		for _, v := range history {
			if v.since.Compare(ts) <= 0 && v.version.Version > max {
				max = v.version.Version
			}
		}
	}
	return max, nil
}
