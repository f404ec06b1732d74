package collab

import (
	"fmt"

	"github.com/distrikv/partd/pkg/types"
)

// TupleCodec projects a PK or secondary-index key out of an opaque row
// (spec §1: "the coordinator treats contents as opaque; only PK and
// index-key projections are inspected via codec callbacks"). indexID 0 is
// reserved for the primary-key index by convention throughout pkg/replica.
type TupleCodec interface {
	ExtractKey(indexID uint32, row *types.BinaryRow) (types.BinaryTuple, error)
}

// KeyExtractor projects one index's key out of a row's bytes; registered
// per index at table-creation time, when the column layout is known.
type KeyExtractor func(row *types.BinaryRow) (types.BinaryTuple, error)

// FuncCodec is a TupleCodec backed by one extractor function per index id.
// It is the reference codec: a real deployment's extractors decode the
// table's actual column encoding, but the coordinator never needs to know
// that encoding itself.
type FuncCodec struct {
	extractors map[uint32]KeyExtractor
}

// NewFuncCodec builds an empty codec.
func NewFuncCodec() *FuncCodec {
	return &FuncCodec{extractors: make(map[uint32]KeyExtractor)}
}

// Register installs the key extractor for indexID, overwriting any prior
// registration.
func (c *FuncCodec) Register(indexID uint32, fn KeyExtractor) {
	c.extractors[indexID] = fn
}

// ExtractKey satisfies TupleCodec.
func (c *FuncCodec) ExtractKey(indexID uint32, row *types.BinaryRow) (types.BinaryTuple, error) {
	fn, ok := c.extractors[indexID]
	if !ok {
		return nil, fmt.Errorf("no key extractor registered for index %d", indexID)
	}
	return fn(row)
}
