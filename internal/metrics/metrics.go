// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequestsTotal tracks upstream HTTP attempts by endpoint kind and outcome
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardpipe",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of upstream HTTP attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	// UpstreamRequestDuration tracks upstream request latency
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardpipe",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream HTTP attempts in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// UpstreamRetriesTotal tracks scheduled retries by failure class
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardpipe",
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Total number of retries scheduled by failure class",
		},
		[]string{"class"},
	)

	// CrawlPagesTotal tracks fetched pages per group and outcome
	CrawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardpipe",
			Subsystem: "crawl",
			Name:      "pages_total",
			Help:      "Total number of pages processed by the crawler",
		},
		[]string{"group", "outcome"},
	)

	// ChunksWrittenTotal tracks checkpoint chunk files written
	ChunksWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardpipe",
			Subsystem: "checkpoint",
			Name:      "chunks_written_total",
			Help:      "Total number of chunk files written",
		},
		[]string{"group", "trigger"},
	)

	// ImportRecordsTotal tracks imported records by entity and outcome
	ImportRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardpipe",
			Subsystem: "import",
			Name:      "records_total",
			Help:      "Total number of records processed by the import engine",
		},
		[]string{"entity", "outcome"},
	)

	// DeckLinksTotal tracks resolved deck card links by target kind
	DeckLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardpipe",
			Subsystem: "resolver",
			Name:      "links_total",
			Help:      "Total number of deck card links resolved by target kind",
		},
		[]string{"target"},
	)
)
