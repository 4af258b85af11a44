// Package metrics holds the Prometheus collectors shared by the history tree
// and its block store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "htree"

// Node read sources.
const (
	SourceBranch = "branch"
	SourceCache  = "cache"
	SourceDisk   = "disk"
)

// Query kinds.
const (
	QueryPoint     = "point"
	QueryRange     = "range"
	QueryFullState = "full_state"
)

type Metrics struct {
	IntervalsInserted prometheus.Counter
	LeafSplits        prometheus.Counter
	RootPromotions    prometheus.Counter
	NodesWritten      prometheus.Counter
	NodeReads         *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
}

// New builds the collectors and registers them on reg. A nil reg yields
// working but unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IntervalsInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intervals_inserted_total",
			Help:      "Intervals accepted by the tree.",
		}),
		LeafSplits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sibling_splits_total",
			Help:      "Branches closed and rebuilt below an existing parent.",
		}),
		RootPromotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "root_promotions_total",
			Help:      "New root nodes created on top of a full root.",
		}),
		NodesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_written_total",
			Help:      "Closed nodes persisted to the history file.",
		}),
		NodeReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_reads_total",
			Help:      "Node lookups by where they were served from.",
		}, []string{"source"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Latency of history queries.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"kind"}),
	}
}
