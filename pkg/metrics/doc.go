/*
Package metrics defines and registers the coordinator's Prometheus
metrics: lease/primary state, RAFT replication, per-request-kind
counters and latencies, lock contention, safe-time lag, and recovery
sweep activity. Handler() exposes them for scraping; HealthHandler/
ReadyHandler/LivenessHandler back the process's HTTP health endpoints.
*/
package metrics
