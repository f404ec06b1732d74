// Package types defines the data model shared by every package in this
// module: replication group and row identity, the MVCC read result shape,
// transaction state (volatile and durable), hybrid-logical timestamps,
// lock keys and modes, and the request/command envelopes the coordinator
// dispatches over.
//
// Nothing in this package talks to storage, the lock manager, or Raft —
// it is pure data, imported by every other package.
package types
