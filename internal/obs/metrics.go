// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/vectorproxy/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WALAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wal_appended_total",
		Help: "Total number of WAL rows appended on the synchronous write path",
	})
	WALSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wal_synced_total",
		Help: "Total number of WAL rows that reached the synced terminal state",
	})
	WALFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wal_failed_total",
		Help: "Total number of WAL rows that exhausted retries and reached failed",
	})
	WALSyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wal_sync_pass_duration_seconds",
		Help:    "Histogram of sync worker pass durations",
		Buckets: prometheus.DefBuckets,
	})
	WALPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wal_pending",
		Help: "Current count of WAL rows not yet synced",
	})
	LedgerAttempting = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_attempting_total",
		Help: "Total number of ledger rows inserted in ATTEMPTING",
	})
	LedgerTimingGap = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_timing_gap_total",
		Help: "Total number of ledger rows marked as timing-gap failures",
	})
	LedgerRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_recovered_total",
		Help: "Total number of ledger rows recovered by the recovery worker",
	})
	LedgerAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_abandoned_total",
		Help: "Total number of ledger rows abandoned after exhausting retries",
	})
	BackendHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_healthy",
		Help: "1 if the backend is currently considered healthy, else 0",
	}, []string{"backend"})
	BackendProbeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_probe_failures_total",
		Help: "Total number of failed liveness probes per backend",
	}, []string{"backend"})
	RoutedReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routed_reads_total",
		Help: "Total reads routed per backend",
	}, []string{"backend"})
	RoutedWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routed_writes_total",
		Help: "Total writes routed per backend",
	}, []string{"backend"})
	ConsistencyWindowHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consistency_window_hits_total",
		Help: "Total reads served from a pinned backend inside the consistency window",
	})
)

func init() {
	prometheus.MustRegister(
		WALAppended, WALSynced, WALFailed, WALSyncDuration, WALPending,
		LedgerAttempting, LedgerTimingGap, LedgerRecovered, LedgerAbandoned,
		BackendHealthy, BackendProbeFailures, RoutedReads, RoutedWrites,
		ConsistencyWindowHits,
	)
}

// StartMetricsServer exposes /metrics on its own port, separate from the
// client-facing proxy listener.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
