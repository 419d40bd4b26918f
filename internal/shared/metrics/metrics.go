// Package metrics holds the Prometheus collectors shared by the pool, the
// fetcher and the prober.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_probes_total",
		Help: "Completed proxy probes by outcome.",
	}, []string{"outcome"})

	ProbeStageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_probe_stage_failures_total",
		Help: "Probe runs that stopped at the given stage.",
	}, []string{"stage"})

	ProbeTrafficBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_probe_traffic_bytes_total",
		Help: "Bytes moved through proxies by the bandwidth stage.",
	}, []string{"direction"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_scan_duration_seconds",
		Help:    "Wall time of a full scan.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_pool_size",
		Help: "Number of endpoints in the pool.",
	})

	HealthyProxies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_pool_healthy",
		Help: "Number of fully healthy endpoints after the last ranking.",
	})

	SourceFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_source_fetch_errors_total",
		Help: "Source list fetches that failed and were skipped.",
	}, []string{"source"})

	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_persist_errors_total",
		Help: "Failed pool store writes.",
	})

	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_jobs_rejected_total",
		Help: "Trigger jobs dropped because the queue was full or a scan was running.",
	}, []string{"kind"})
)
