package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for pgnvault metrics.
const (
	PoolAcquireSecondsKey         = "pgnvault_pool_acquire_seconds"
	PoolExhaustedTotalKey         = "pgnvault_pool_exhausted_total"
	PoolRecycledTotalKey          = "pgnvault_pool_recycled_total"
	PoolInUseKey                  = "pgnvault_pool_in_use"
	QueryCacheRequestsTotalKey    = "pgnvault_query_cache_requests_total"
	QueryCacheEvictionsTotalKey   = "pgnvault_query_cache_evictions_total"
	ArtifactResolutionsTotalKey   = "pgnvault_artifact_resolutions_total"
	ArtifactCacheEvictionsKey     = "pgnvault_artifact_cache_evictions_total"
	SnapshotPartsTotalKey         = "pgnvault_snapshot_parts_total"
	SnapshotReceivedBytesTotalKey = "pgnvault_snapshot_received_bytes_total"

	Fail = "fail"
	Ok   = "ok"
	Hit  = "hit"
	Miss = "miss"
)

// Collectors for pgnvault metrics.
var (
	PoolAcquireSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: PoolAcquireSecondsKey,
		Help: "Time spent waiting to acquire a record store handle.",
	})
	PoolExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: PoolExhaustedTotalKey,
		Help: "Cumulative number of acquisitions which timed out on an exhausted pool.",
	})
	PoolRecycledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: PoolRecycledTotalKey,
		Help: "Cumulative number of broken record store handles which were re-opened.",
	})
	PoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: PoolInUseKey,
		Help: "Number of record store handles currently checked out.",
	})
	QueryCacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: QueryCacheRequestsTotalKey,
		Help: "Cumulative number of query cache requests.",
	}, []string{"status"})
	QueryCacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: QueryCacheEvictionsTotalKey,
		Help: "Cumulative number of query cache entries evicted for capacity.",
	})
	ArtifactResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ArtifactResolutionsTotalKey,
		Help: "Cumulative number of artifact resolutions, by serving tier.",
	}, []string{"tier"})
	ArtifactCacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ArtifactCacheEvictionsKey,
		Help: "Cumulative number of artifact cache entries evicted for capacity.",
	})
	SnapshotPartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SnapshotPartsTotalKey,
		Help: "Cumulative number of snapshot part downloads.",
	}, []string{"status"})
	SnapshotReceivedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SnapshotReceivedBytesTotalKey,
		Help: "Cumulative number of snapshot bytes received.",
	})
)

// PgnvaultCollectors lists collectors used by the pgnvault server.
func PgnvaultCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		PoolAcquireSeconds,
		PoolExhaustedTotal,
		PoolRecycledTotal,
		PoolInUse,
		QueryCacheRequestsTotal,
		QueryCacheEvictionsTotal,
		ArtifactResolutionsTotal,
		ArtifactCacheEvictionsTotal,
		SnapshotPartsTotal,
		SnapshotReceivedBytesTotal,
	}
}
