package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PoolAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_pool_acquisitions_total",
			Help: "Total pool acquisitions by outcome (ok, timeout, breaker_open, error)",
		},
		[]string{"outcome"},
	)
	PoolAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_pool_acquire_duration_seconds",
			Help:    "Connection acquisition latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	PoolConnectionsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_pool_connections_in_use",
			Help: "Connections currently held by callers",
		},
	)
	PoolLeakedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "db_pool_leaked_connections_total",
			Help: "Connections held past the leak threshold",
		},
	)
	PoolSlowQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "db_pool_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
	)
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	JobsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total jobs created by type",
		},
		[]string{"type"},
	)
	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Job state transitions by target state",
		},
		[]string{"type", "state"},
	)
	JobClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_claims_total",
			Help: "Claim attempts by outcome (won, unavailable, error)",
		},
		[]string{"outcome"},
	)
	JobsReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_reclaimed_total",
			Help: "Stalled RUNNING jobs returned to DISPATCHED by the monitor",
		},
	)
	JobsRedispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_redispatched_total",
			Help: "FAILED jobs re-dispatched after backoff",
		},
	)
	StageAdvancementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_advancements_total",
			Help: "Stage advancements by stage name",
		},
		[]string{"stage"},
	)

	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Messages published by topic and type",
		},
		[]string{"topic", "type"},
	)
	BusConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_consumed_total",
			Help: "Messages consumed by topic and type",
		},
		[]string{"topic", "type"},
	)

	WorkerActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active_jobs",
			Help: "Jobs currently executing in this worker process",
		},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			PoolAcquisitionsTotal,
			PoolAcquireDuration,
			PoolConnectionsInUse,
			PoolLeakedConnections,
			PoolSlowQueriesTotal,
			BreakerState,
			JobsCreatedTotal,
			JobTransitionsTotal,
			JobClaimsTotal,
			JobsReclaimedTotal,
			JobsRedispatchedTotal,
			StageAdvancementsTotal,
			BusPublishedTotal,
			BusConsumedTotal,
			WorkerActiveJobs,
		)
	})
}
