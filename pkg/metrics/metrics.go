/*
Package metrics exposes prometheus counters and gauges for the session fabric
and job orchestrator: transport health, multiplexer channel counts, allocation
churn, job lifecycle transitions, and cache evictions.
*/
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// TransportReconnects counts transports marked inactive after four
	// missed SSH keepalives; nothing re-establishes the session
	// automatically.
	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tccp_transport_reconnects_total",
		Help: "Total number of times the session transport was marked dead after missed keepalives.",
	})

	// ChannelsOpen is the current number of multiplexed logical channels.
	ChannelsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tccp_muxer_channels_open",
		Help: "Number of currently open multiplexer channels.",
	})

	// RunsTotal counts programmatic run() invocations by outcome.
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tccp_muxer_runs_total",
		Help: "Total number of run() invocations by outcome.",
	}, []string{"outcome"}) // ok | timeout | stopped

	// AllocationsActive is the current number of tracked allocations by state.
	AllocationsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tccp_allocations_active",
		Help: "Number of tracked allocations by state.",
	}, []string{"state"}) // pending | running | idle

	// AllocationsSubmittedTotal counts sbatch submissions made for new allocations.
	AllocationsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tccp_allocations_submitted_total",
		Help: "Total number of sbatch allocation submissions.",
	})

	// AllocationsClaimedTotal counts reuse of an existing idle allocation.
	AllocationsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tccp_allocations_claimed_total",
		Help: "Total number of times an idle allocation was reused instead of submitting a new one.",
	})

	// JobsTotal counts job terminal outcomes.
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tccp_jobs_total",
		Help: "Total number of jobs reaching a terminal state, by outcome.",
	}, []string{"outcome"}) // completed | canceled | init_failed

	// JobInitDuration observes how long the initialization pipeline takes.
	JobInitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tccp_job_init_duration_seconds",
		Help:    "Duration of the job initialization pipeline.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// CacheEvictionsTotal counts cache-eviction removals by item kind.
	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tccp_cache_evictions_total",
		Help: "Total number of cache items evicted, by kind.",
	}, []string{"kind"}) // image | env

	// CacheBytesUsed is the last-observed remote cache usage in bytes.
	CacheBytesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tccp_cache_bytes_used",
		Help: "Last observed total bytes used under the remote tool cache.",
	})
)

func init() {
	prometheus.MustRegister(
		TransportReconnects,
		ChannelsOpen,
		RunsTotal,
		AllocationsActive,
		AllocationsSubmittedTotal,
		AllocationsClaimedTotal,
		JobsTotal,
		JobInitDuration,
		CacheEvictionsTotal,
		CacheBytesUsed,
	)
}
