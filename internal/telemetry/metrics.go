// Package telemetry provides application-level observability for the organization manager.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served by
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<ORGM_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Outbound gateway calls (identity provider, asset service, mailing, callbacks)
//   - Saga compensations, invitations and accept-key expiry
//   - Per-organization lock contention
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/organization-manager/organization-manager/internal/safego"
)

// HTTP metrics, labelled by method, route template and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/organizations/:id/users),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Error rate (%): sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:    histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Gateway metrics, recorded by the shared outbound client for every call to a collaborating
// service. gateway is one of identity, asset, mailing, callback, image; outcome is "ok" or
// the HTTP status class of the failure ("4xx", "5xx", "error" for transport failures).
//
// Example PromQL queries:
//   - Failing collaborators: sum by (gateway) (rate(gateway_requests_total{outcome!="ok"}[5m]))
var (
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of outbound gateway calls, by gateway, operation, and outcome.",
		},
		[]string{"gateway", "operation", "outcome"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Histogram of outbound gateway call latencies, by gateway and operation.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"gateway", "operation"},
	)
)

// SagaCompensationsTotal counts compensation steps run after a later step of a multi-system
// protocol failed. A non-zero rate means a collaborator rejected a request mid-protocol.
// CompensationFailuresTotal counts compensations that themselves failed; each of those is
// a possible cross-system inconsistency and is also logged at error level.
var (
	SagaCompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation steps run, by protocol.",
		},
		[]string{"protocol"},
	)

	CompensationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Total number of compensation steps that failed, by protocol.",
		},
		[]string{"protocol"},
	)
)

// InvitationsSentTotal is incremented once per invitation mail handed to the mailing service.
var InvitationsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "invitations_sent_total",
		Help: "Total number of invitation mails sent.",
	},
)

// AcceptKeysExpiredTotal counts accepts that presented a matching but expired accept key.
var AcceptKeysExpiredTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "accept_keys_expired_total",
		Help: "Total number of accepts presenting a matching but expired accept key.",
	},
)

// OrgLockContentionTotal counts mutations rejected because another mutation held the
// organization lock past the acquire timeout.
var OrgLockContentionTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "org_lock_contention_total",
		Help: "Total number of organization lock acquisitions that timed out.",
	},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds. The goroutine exits when
// the database becomes unreachable, which happens on shutdown once db.Close() has run.
func StartDBStatsCollector(db *sql.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}
