package lock

import "github.com/distrikv/partd/pkg/types"

// TableKey builds the lock key for an entire table.
func TableKey(tableID uint32) types.LockKey {
	return types.LockKey{Kind: types.LockKeyTable, TableID: tableID}
}

// RowKey builds the lock key for a single row.
func RowKey(tableID uint32, rowID types.RowID) types.LockKey {
	return types.LockKey{Kind: types.LockKeyRow, TableID: tableID, RowID: rowID}
}

// IndexKey builds the lock key for an index as a whole (used for the IS
// intent lock taken before a hash or sorted index lookup).
func IndexKey(indexID uint32) types.LockKey {
	return types.LockKey{Kind: types.LockKeyIndex, IndexID: indexID}
}

// IndexEntryKey builds the lock key for a single entry within an index,
// keyed by its encoded key bytes.
func IndexEntryKey(indexID uint32, key types.BinaryTuple) types.LockKey {
	return types.LockKey{Kind: types.LockKeyIndexKey, IndexID: indexID, Key: string(key)}
}
