package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the range fetcher
type Metrics struct {
	ChunksFetched *prometheus.CounterVec
	ChunkGaps     prometheus.Counter
	EventsDecoded *prometheus.CounterVec
	MalformedLogs prometheus.Counter
}

// NewMetrics creates and registers fetcher metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Subsystem: "fetch",
			Name:      "chunks_total",
			Help:      "Number of block-range chunks fetched, by outcome",
		}, []string{"result"}),
		ChunkGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "forwarder",
			Subsystem: "fetch",
			Name:      "chunk_gaps_total",
			Help:      "Number of chunks abandoned after exhausting retries",
		}),
		EventsDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forwarder",
			Subsystem: "fetch",
			Name:      "events_total",
			Help:      "Number of registry events decoded, by kind",
		}, []string{"kind"}),
		MalformedLogs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "forwarder",
			Subsystem: "fetch",
			Name:      "malformed_logs_total",
			Help:      "Number of log entries rejected at the ingestion boundary",
		}),
	}
}
