package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compensation_engine_build_info",
			Help: "Build information of the compensation engine",
		},
		[]string{"version", "commit", "date"},
	)

	RulesetInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compensation_engine_ruleset_info",
			Help: "Ruleset version loaded by the engine",
		},
		[]string{"version"},
	)

	PassTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_pass_total",
			Help: "Total number of compression passes",
		},
		[]string{"status"},
	)

	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compensation_engine_pass_duration_seconds",
			Help:    "Duration of compression passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
	)

	PassItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_pass_item_errors_total",
			Help: "Per-item errors recorded during compression passes",
		},
		[]string{"step"},
	)

	MatricesCompressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "compensation_engine_matrices_compressed_total",
			Help: "Total number of matrices moved to compressed",
		},
	)

	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_credits_total",
			Help: "Wallet credits by bonus kind and outcome",
		},
		[]string{"kind", "status"},
	)

	OverflowPlacements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_overflow_placements_total",
			Help: "Overflow placement attempts by outcome",
		},
		[]string{"outcome"},
	)

	Reentries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_reentries_total",
			Help: "Reentry decisions by outcome",
		},
		[]string{"outcome"},
	)

	ClosingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_closing_runs_total",
			Help: "Period closing runs by kind and status",
		},
		[]string{"kind", "status"},
	)

	JournalMissingCycles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compensation_engine_journal_missing_cycles",
			Help: "Cycles of the last closed month absent from the cycle journal",
		},
	)

	ReportArchiveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_report_archive_total",
			Help: "Report uploads by status",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compensation_engine_http_requests_total",
			Help: "Operational HTTP requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compensation_engine_http_request_duration_seconds",
			Help:    "Operational HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
