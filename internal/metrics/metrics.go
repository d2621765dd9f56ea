package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookgraph_sessions_started_total",
		Help: "Total number of exploration sessions created.",
	})

	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookgraph_sessions_finished_total",
		Help: "Total number of exploration sessions that stopped, labelled by outcome.",
	}, []string{"outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cookgraph_sessions_active",
		Help: "Sessions currently exploring.",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cookgraph_session_duration_ms",
		Help:    "Wall time from session creation to a finished result, in milliseconds.",
		Buckets: []float64{5, 25, 100, 250, 1000, 2500, 10000, 30000, 120000},
	})

	VerticesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookgraph_vertices_created_total",
		Help: "Total number of vertices allocated across all sessions.",
	})

	VerticesVisited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookgraph_vertices_visited_total",
		Help: "Total number of vertex visits (cookability evaluations).",
	})

	VerticesExplored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookgraph_vertices_explored_total",
		Help: "Total number of vertex explores (edge discovery passes).",
	})

	BatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookgraph_batches_sent_total",
		Help: "Total number of fetch batches dispatched.",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cookgraph_batch_size",
		Help:    "Number of (item, target) fetches in one batch.",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
	})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookgraph_fetch_errors_total",
		Help: "Manifest fetches that failed and were treated as no previous build, labelled by target.",
	}, []string{"target"})

	ManifestReadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cookgraph_manifest_read_duration_ms",
		Help:    "Time to read one chunk of manifests from the store, in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 100, 500},
	})

	IncrementalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookgraph_incremental_decisions_total",
		Help: "Iteratively-unmodified decisions, labelled by result (unmodified, modified).",
	}, []string{"result"})

	CycleResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cookgraph_cycle_resolutions_total",
		Help: "Times a transitive build dependency cycle was resolved as unmodified.",
	})

	CycleSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cookgraph_cycle_size",
		Help:    "Vertices pending in one cycle resolution.",
		Buckets: []float64{1, 2, 3, 5, 10, 50, 250},
	})

	ItemsDemoted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cookgraph_items_demoted_total",
		Help: "Items excluded from the build, labelled by suppress reason.",
	}, []string{"reason"})

	TransportQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cookgraph_transport_queue_utilization_ratio",
		Help: "Current manifest fetch queue utilization (0-1).",
	})
)
