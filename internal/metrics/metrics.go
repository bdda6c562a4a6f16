package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apaganet_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apaganet_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	alertsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apaganet_alerts_ingested_total",
			Help: "Total alerts ingested by level",
		},
		[]string{"level"},
	)

	outboxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apaganet_outbox_enqueued_total",
			Help: "Total outbox entries created",
		},
	)

	outboxDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apaganet_outbox_deduplicated_total",
			Help: "Enqueue attempts absorbed by the dedupe key constraint",
		},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apaganet_deliveries_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	dispatchRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apaganet_dispatch_round_duration_seconds",
			Help:    "Duration of one dispatch worker round",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apaganet_idempotency_hits_total",
			Help: "Ingestion requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apaganet_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"home_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAlertIngested counts an ingested alert.
func RecordAlertIngested(level string) {
	alertsIngested.WithLabelValues(level).Inc()
}

// RecordOutboxEnqueued counts outbox rows created and deduplicated enqueues.
func RecordOutboxEnqueued(enqueued, deduplicated int) {
	outboxEnqueued.Add(float64(enqueued))
	outboxDeduplicated.Add(float64(deduplicated))
}

// RecordDelivery counts one delivery attempt outcome
// (outcome: sent, failed, suppressed).
func RecordDelivery(channel, outcome string) {
	deliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveDispatchRound records the duration of one dispatch round.
func ObserveDispatchRound(d time.Duration) {
	dispatchRoundDuration.Observe(d.Seconds())
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(homeID string) {
	rateLimitRejections.WithLabelValues(homeID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
