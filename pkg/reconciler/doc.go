/*
Package reconciler runs the periodic orphan-transaction recovery sweep
of spec §4.7. A group's primary already triggers one sweep the instant
it is elected (replica.Listener.OnPrimaryElected); Sweeper is the safety
net that re-runs it on a fixed interval, catching orphaned transactions
whose enlisted partitions never saw a fresh election (e.g. the primary
was already stable when the coordinator crashed).
*/
package reconciler
