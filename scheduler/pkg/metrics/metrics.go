package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dca_scheduler_build_info",
			Help: "Build information of the DCA scheduler",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_runs_total",
			Help: "Total number of settlement runs by outcome",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dca_scheduler_run_duration_seconds",
			Help:    "Duration of settlement runs from selection to commit or abort",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	RunBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dca_scheduler_run_batch_size",
			Help:    "Number of participants selected per run",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 255},
		},
	)

	StageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_stage_total",
			Help: "Total number of external stage calls",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dca_scheduler_stage_duration_seconds",
			Help:    "Duration of external stage calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
		[]string{"stage"},
	)

	IntegrityFaultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dca_scheduler_integrity_faults_total",
			Help: "Total number of integrity faults",
		},
	)

	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_ledger_operations_total",
			Help: "Total number of participant ledger operations",
		},
		[]string{"operation", "status"},
	)

	Participants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dca_scheduler_participants",
			Help: "Number of registered participants",
		},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_payouts_total",
			Help: "Total number of payouts by asset and final status",
		},
		[]string{"asset", "status"},
	)

	OperatorTickPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dca_scheduler_operator_tick_panics_total",
			Help: "Total number of panics recovered in the operator loop",
		},
	)

	ObserverErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_observer_errors_total",
			Help: "Total number of failed run or payout observer notifications",
		},
		[]string{"observer"},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"backend", "status"},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dca_scheduler_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
		[]string{"backend"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_scheduler_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dca_scheduler_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dca_scheduler_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordStage records one external stage call.
func RecordStage(stage string, duration time.Duration, ok bool) {
	s := "success"
	if !ok {
		s = "failure"
	}
	StageTotal.WithLabelValues(stage, s).Inc()
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordLedgerOperation records a participant operation.
func RecordLedgerOperation(op string, err error) {
	LedgerOperationsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordQuery records a database query against the named backend.
func RecordQuery(backend string, duration time.Duration, err error) {
	DatabaseQueriesTotal.WithLabelValues(backend, status(err)).Inc()
	DatabaseQueryDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
