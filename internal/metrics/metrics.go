// Package metrics exposes pipeline counters and histograms in Prometheus
// format. Collectors register on the default registry; the optional HTTP
// listener serves them at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StoriesTotal counts finished stories by outcome
	// (completed, rejected, failed, merge_conflict).
	StoriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gaffer",
		Name:      "stories_total",
		Help:      "Stories finished, by terminal outcome.",
	}, []string{"outcome"})

	// StageDuration observes wall-clock seconds per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gaffer",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of pipeline stages.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"stage"})

	// RetriesTotal counts stage retries by failure category.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gaffer",
		Name:      "retries_total",
		Help:      "Stage retries, by classifier category.",
	}, []string{"category"})

	// MergeConflictsTotal counts merge conflicts by how they were resolved
	// (regex, agent, unresolved).
	MergeConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gaffer",
		Name:      "merge_conflicts_total",
		Help:      "Merge conflicts encountered, by resolution method.",
	}, []string{"resolution"})

	// CostUSD accumulates agent spend by role.
	CostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gaffer",
		Name:      "cost_usd_total",
		Help:      "Agent spend in USD, by role.",
	}, []string{"role"})

	// RecoveriesTotal counts recovery attempts by outcome
	// (salvaged, retried, terminal).
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gaffer",
		Name:      "recoveries_total",
		Help:      "Recovery service invocations, by outcome.",
	}, []string{"outcome"})
)

// ObserveStage records a stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve starts a /metrics listener on addr. It returns the server so the
// caller can shut it down; errors after startup only get logged by net/http.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
