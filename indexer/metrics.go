package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the indexing orchestrator
type Metrics struct {
	IngestRuns       *prometheus.CounterVec
	EventsStored     *prometheus.GaugeVec
	CheckpointHeight *prometheus.GaugeVec
	IngestDuration   prometheus.Histogram
}

// NewMetrics creates and registers indexer metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		IngestRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Subsystem: "indexer",
			Name:      "ingest_runs_total",
			Help:      "Number of ingest passes, by outcome",
		}, []string{"result"}),
		EventsStored: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forwarder",
			Subsystem: "indexer",
			Name:      "events_stored",
			Help:      "Number of events persisted per watched address",
		}, []string{"watched"}),
		CheckpointHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forwarder",
			Subsystem: "indexer",
			Name:      "checkpoint_height",
			Help:      "Persisted checkpoint block height per watched address",
		}, []string{"watched"}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forwarder",
			Subsystem: "indexer",
			Name:      "ingest_duration_seconds",
			Help:      "Wall-clock duration of ingest passes",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
