// Package storage provides a durable mvcc.RowStore backed by bbolt, for
// deployments that want row versions to survive a process restart rather
// than living only in mvcc.InMemoryStore. It is a peer of
// pkg/txn.BoltDurableStore: that package persists transaction outcomes,
// this one persists the row version chains those outcomes apply to.
package storage
