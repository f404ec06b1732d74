package replica

import (
	"context"

	"github.com/distrikv/partd/pkg/replication"
	"github.com/distrikv/partd/pkg/types"
)

// buildIndexPageSize bounds how many row ids handleBuildIndex pulls from
// the store per ScanAfter call while backfilling.
const buildIndexPageSize = 256

// handleBuildIndex implements the supplemented BUILD_INDEX request: it
// backfills req.IndexToUse from every currently-committed row in the
// partition, then replicates a BuildIndexCommand carrying the last row id
// scanned so every replica's read path lifts its "index not yet built"
// gate in the same RAFT log order the backfill itself observed.
func (l *Listener) handleBuildIndex(ctx context.Context, req types.Request) (*Result, error) {
	indexID := req.IndexToUse
	l.index.DefineIndex(indexID, l.indexKinds[indexID])

	now := l.clock.Now()
	var after *types.RowID
	var last *types.RowID
	for {
		ids, more := l.store.ScanAfter(after, buildIndexPageSize)
		if len(ids) == 0 {
			break
		}
		for i := range ids {
			rowID := ids[i]
			rr, err := l.store.ReadCommittedAt(rowID, now)
			if err != nil {
				return nil, err
			}
			if rr == nil || rr.Row == nil {
				continue
			}
			key, err := l.codec.ExtractKey(indexID, rr.Row)
			if err != nil {
				return nil, err
			}
			l.index.Insert(indexID, key, rowID)
		}
		last = &ids[len(ids)-1]
		after = last
		if !more {
			break
		}
	}

	if err := l.dispatch.SubmitBuildIndex(ctx, replication.BuildIndexPayload{IndexID: indexID, LastRowID: last}); err != nil {
		return nil, err
	}
	return &Result{}, nil
}
