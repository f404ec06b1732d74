package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lease/primary metrics
	IsPrimary = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partd_is_primary",
			Help: "Whether this node holds the lease for a given group (1 = primary, 0 = not)",
		},
		[]string{"group"},
	)

	LeaseExpirySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partd_lease_expiry_seconds",
			Help: "Seconds until the current lease for a group expires",
		},
		[]string{"group"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partd_raft_is_leader",
			Help: "Whether this node is the Raft leader for a group (1 = leader, 0 = follower)",
		},
		[]string{"group"},
	)

	RaftAppliedIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partd_raft_applied_index",
			Help: "Last applied Raft log index, by group",
		},
		[]string{"group"},
	)

	RaftApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partd_requests_total",
			Help: "Total number of replica requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partd_request_duration_seconds",
			Help:    "Replica request duration in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Lock manager metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partd_lock_wait_duration_seconds",
			Help:    "Time a transaction spent waiting to acquire a lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partd_lock_conflicts_total",
			Help: "Total number of lock acquisitions that had to wait for a conflicting holder",
		},
	)

	DeadlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partd_deadlocks_total",
			Help: "Total number of lock waits aborted as a detected deadlock",
		},
	)

	// Replication/safe-time metrics
	ReplicationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partd_replication_retries_total",
			Help: "Total number of command submissions retried after a safe-time reordering rejection",
		},
	)

	SafeTimeLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partd_safe_time_lag_seconds",
			Help: "Seconds by which a group's safe time trails wall-clock physical time",
		},
		[]string{"group"},
	)

	ScanCursorsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partd_scan_cursors_open",
			Help: "Number of open scan cursors held by the cursor registry, by group",
		},
		[]string{"group"},
	)

	// Recovery sweep metrics
	RecoverySweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partd_recovery_sweep_duration_seconds",
			Help:    "Time taken for one orphan-transaction recovery sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoverySweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partd_recovery_sweeps_total",
			Help: "Total number of recovery sweeps completed",
		},
	)

	RecoveredTransactionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partd_recovered_transactions_total",
			Help: "Total number of orphaned transactions rolled forward or back by recovery",
		},
	)
)

func init() {
	prometheus.MustRegister(IsPrimary)
	prometheus.MustRegister(LeaseExpirySeconds)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockConflictsTotal)
	prometheus.MustRegister(DeadlocksTotal)
	prometheus.MustRegister(ReplicationRetriesTotal)
	prometheus.MustRegister(SafeTimeLagSeconds)
	prometheus.MustRegister(ScanCursorsOpen)
	prometheus.MustRegister(RecoverySweepDuration)
	prometheus.MustRegister(RecoverySweepsTotal)
	prometheus.MustRegister(RecoveredTransactionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
