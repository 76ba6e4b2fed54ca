// Package metrics exposes the engine's Prometheus instrumentation: documents
// scanned, index hits, and commit latency per backend. This is ambient
// instrumentation the query engine itself never branches on; pkg/planexec
// and pkg/kv's backends call the package-level recorders from their hot
// paths, and Handler exposes them for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bsondb_documents_scanned_total",
			Help: "Total number of documents yielded by a data-key Scan",
		},
	)

	IndexHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsondb_index_hits_total",
			Help: "Total number of index entries yielded by an IndexScan, by field",
		},
		[]string{"field"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsondb_commit_duration_seconds",
			Help:    "Time taken to commit a transaction, by backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsondb_commits_total",
			Help: "Total number of transaction commits, by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(DocumentsScanned)
	prometheus.MustRegister(IndexHitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordScan counts one document yielded off the data keyspace.
func RecordScan() {
	DocumentsScanned.Inc()
}

// RecordIndexHit counts one index entry yielded for field.
func RecordIndexHit(field string) {
	IndexHitsTotal.WithLabelValues(field).Inc()
}

// Timer times a single operation, following a start-now/observe-later
// shape instead of a deferred closure, so a caller
// can choose the histogram/labels only once the operation's outcome (and
// thus which labels to use) is known.
type Timer struct {
	start time.Time
}

func NewTimer() Timer { return Timer{start: time.Now()} }

// ObserveCommit records how long a commit took against backend, and tallies
// CommitsTotal under outcome ("ok" or "error").
func (t Timer) ObserveCommit(backend, outcome string) {
	CommitDuration.WithLabelValues(backend).Observe(time.Since(t.start).Seconds())
	CommitsTotal.WithLabelValues(backend, outcome).Inc()
}
