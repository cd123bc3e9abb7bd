// Package telemetry exposes the Prometheus collectors recorded by the
// coordinators and the HTTP layer, plus the Echo middleware and the
// /metrics handler.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsdesk"

var (
	// HTTP server metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	// Remote system of record
	remoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Duration of calls to the system of record",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"method", "route", "outcome"},
	)

	// Coordinators
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions applied, by entity",
		},
		[]string{"entity", "from", "to"},
	)

	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Rejected actions, by conflict code",
		},
		[]string{"code"},
	)

	bedReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bed_releases_total",
			Help:      "Bed release attempts, by outcome",
		},
		[]string{"outcome"},
	)

	staleResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "Search responses dropped because a newer query superseded them",
		},
		[]string{"kind"},
	)

	activeWorkspaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workspaces",
			Help:      "Number of open operator workspaces",
		},
	)
)

// Register adds every collector to reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDuration,
		httpActiveRequests,
		remoteCallDuration,
		transitionsTotal,
		conflictsTotal,
		bedReleasesTotal,
		staleResponsesTotal,
		activeWorkspaces,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// RecordRemoteCall records the latency of one call to the system of record.
func RecordRemoteCall(method, route, outcome string, d time.Duration) {
	remoteCallDuration.WithLabelValues(method, route, outcome).Observe(d.Seconds())
}

// RecordTransition counts an applied state transition.
func RecordTransition(entity, from, to string) {
	transitionsTotal.WithLabelValues(entity, from, to).Inc()
}

// RecordConflict counts an action rejected with the given conflict code.
func RecordConflict(code string) {
	conflictsTotal.WithLabelValues(code).Inc()
}

// RecordBedRelease counts a bed release by outcome: released, failed,
// reconciliation.
func RecordBedRelease(outcome string) {
	bedReleasesTotal.WithLabelValues(outcome).Inc()
}

// RecordStaleResponse counts a dropped search response.
func RecordStaleResponse(kind string) {
	staleResponsesTotal.WithLabelValues(kind).Inc()
}

// WorkspaceOpened and WorkspaceClosed track the number of open workspaces.
func WorkspaceOpened() { activeWorkspaces.Inc() }

func WorkspaceClosed() { activeWorkspaces.Dec() }

// Middleware records HTTP server metrics using the route pattern rather than
// the concrete path so ids do not explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpActiveRequests.Inc()
			defer httpActiveRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the Prometheus exposition format for the given gatherer.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
